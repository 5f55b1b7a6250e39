package store

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"tracediff/internal/errors"
	"tracediff/pkg/models"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/reports.db"

	// 存储桶名称
	ReportsBucket = "reports"
	StatsBucket   = "stats"

	// 统计键
	TotalSavedKey  = "total_saved"
	LastSavedAtKey = "last_saved_at"
)

// Summary 报告摘要，用于列表展示
type Summary struct {
	CaseID     string                `json:"case_id"`
	CreatedAt  time.Time             `json:"created_at"`
	Divergence models.DivergenceKind `json:"divergence"`
	Index      int                   `json:"index,omitempty"`
	Failed     bool                  `json:"failed"`
}

// Stats 存储统计
type Stats struct {
	Reports     int       `json:"reports"`
	TotalSaved  uint64    `json:"total_saved"`
	LastSavedAt time.Time `json:"last_saved_at"`
	DBPath      string    `json:"db_path"`
}

// Store 基于BoltDB的分析报告存储
type Store struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex

	totalSaved  uint64
	lastSavedAt time.Time
}

// Open 打开报告存储
func Open(dbPath string, timeout time.Duration, logger *logrus.Logger) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeFileIO, errors.SeverityHigh, errors.CodeFileIO, "创建数据目录失败")
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		code := errors.CodeStorage
		if err == bolt.ErrTimeout {
			code = errors.CodeStorageTimeout
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.SeverityHigh, code, "打开报告数据库失败")
	}

	s := &Store{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := s.initDB(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadStats(); err != nil {
		logger.Warnf("加载存储统计失败: %v", err)
	}

	logger.Infof("报告存储已初始化，数据库路径: %s", dbPath)
	return s, nil
}

// initDB 初始化数据库结构
func (s *Store) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{ReportsBucket, StatsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return storageError(err, "创建存储桶失败")
			}
		}
		return nil
	})
}

func (s *Store) loadStats() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StatsBucket))
		if data := bucket.Get([]byte(TotalSavedKey)); data != nil {
			if err := json.Unmarshal(data, &s.totalSaved); err != nil {
				return err
			}
		}
		if data := bucket.Get([]byte(LastSavedAtKey)); data != nil {
			if err := json.Unmarshal(data, &s.lastSavedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// Save 保存报告，相同案例ID覆盖旧报告
func (s *Store) Save(report *models.AnalysisReport) error {
	if report == nil || report.CaseID == "" {
		return errors.NewTraceError(errors.ErrorTypeValidation, errors.SeverityMedium, errors.CodeValidation, "报告缺少案例ID")
	}

	data, err := json.Marshal(report)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeSerialization, errors.SeverityMedium, errors.CodeSerialization, "序列化报告失败")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(ReportsBucket)).Put([]byte(report.CaseID), data); err != nil {
			return storageError(err, "保存报告失败")
		}

		stats := tx.Bucket([]byte(StatsBucket))
		total, _ := json.Marshal(s.totalSaved + 1)
		if err := stats.Put([]byte(TotalSavedKey), total); err != nil {
			return storageError(err, "保存统计失败")
		}
		ts, _ := json.Marshal(now)
		return stats.Put([]byte(LastSavedAtKey), ts)
	})
	if err != nil {
		return err
	}

	s.totalSaved++
	s.lastSavedAt = now
	s.logger.WithField("case_id", report.CaseID).Debug("报告已保存")
	return nil
}

// Get 读取报告，不存在时返回ErrReportNotFound
func (s *Store) Get(caseID string) (*models.AnalysisReport, error) {
	var report *models.AnalysisReport
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(ReportsBucket)).Get([]byte(caseID))
		if data == nil {
			return errors.NewReportNotFound(caseID)
		}
		report = &models.AnalysisReport{}
		if err := json.Unmarshal(data, report); err != nil {
			return errors.WrapError(err, errors.ErrorTypeSerialization, errors.SeverityMedium, errors.CodeSerialization, "解析报告失败")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// List 按案例ID前缀列出报告摘要，按创建时间倒序
func (s *Store) List(prefix string) ([]Summary, error) {
	var summaries []Summary
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(ReportsBucket)).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var report models.AnalysisReport
			if err := json.Unmarshal(v, &report); err != nil {
				s.logger.Warnf("跳过无法解析的报告 %s: %v", k, err)
				continue
			}
			summaries = append(summaries, summarize(&report))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// Delete 删除报告
func (s *Store) Delete(caseID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ReportsBucket))
		if bucket.Get([]byte(caseID)) == nil {
			return errors.NewReportNotFound(caseID)
		}
		return bucket.Delete([]byte(caseID))
	})
}

// GetStats 获取统计信息
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	stats := Stats{
		TotalSaved:  s.totalSaved,
		LastSavedAt: s.lastSavedAt,
		DBPath:      s.dbPath,
	}
	s.mu.RUnlock()

	_ = s.db.View(func(tx *bolt.Tx) error {
		stats.Reports = tx.Bucket([]byte(ReportsBucket)).Stats().KeyN
		return nil
	})
	return stats
}

// Close 关闭报告存储
func (s *Store) Close() error {
	if s.db != nil {
		s.logger.Info("关闭报告存储")
		return s.db.Close()
	}
	return nil
}

func summarize(r *models.AnalysisReport) Summary {
	sum := Summary{
		CaseID:    r.CaseID,
		CreatedAt: r.CreatedAt,
		Failed:    !r.Succeeded(),
	}
	if r.Divergence != nil {
		sum.Divergence = r.Divergence.Kind
		if r.Divergence.Kind == models.Divergence {
			sum.Index = r.Divergence.Index
		}
	}
	return sum
}

func storageError(err error, message string) error {
	return errors.WrapError(err, errors.ErrorTypeStorage, errors.SeverityHigh, errors.CodeStorage, message)
}
