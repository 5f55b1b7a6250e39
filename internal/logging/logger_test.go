package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger(&LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = NewLogger(&LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tracediff.log")
	logger, err := NewLogger(&LogConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	NewTraceLogger(logger, "case-1", "victim_normal").Debug("解码完成")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "case-1", entry["case_id"])
	assert.Equal(t, "victim_normal", entry["trace"])
	assert.Equal(t, "analyzer", entry["component"])
	assert.Equal(t, "解码完成", entry["msg"])
}
