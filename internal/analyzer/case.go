package analyzer

import (
	"os"
	"path/filepath"
	"sort"

	"tracediff/internal/errors"
	"tracediff/internal/source"
	"tracediff/pkg/models"
)

// 轨迹名称
const (
	TraceAttackerNormal  = "attacker_normal"
	TraceAttackerReverse = "attacker_reverse"
	TraceVictimNormal    = "victim_normal"
	TraceVictimReverse   = "victim_reverse"
)

// 案例目录布局
const (
	MetadataFile = "metadata.json"
	NormalDir    = "normal"
	ReverseDir   = "reverse"
	TraceExt     = ".jsonl"
)

// Case 一个TOD案例：攻击与受害交易在两种排序下的四条轨迹
type Case struct {
	ID       string
	Attacker models.InitialFrame
	Victim   models.InitialFrame
	Traces   map[string]source.Factory // 轨迹名 -> 来源工厂
}

// Root 轨迹对应的根帧
func (c *Case) Root(trace string) models.InitialFrame {
	if trace == TraceAttackerNormal || trace == TraceAttackerReverse {
		return c.Attacker
	}
	return c.Victim
}

// LoadCase 从案例目录加载
// 目录包含metadata.json以及normal/、reverse/下以交易哈希命名的.jsonl轨迹
func LoadCase(dir string) (*Case, error) {
	meta, err := source.LoadMetadata(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}

	attacker, err := meta.Attacker()
	if err != nil {
		return nil, err
	}
	victim, err := meta.Victim()
	if err != nil {
		return nil, err
	}

	attackerHash := meta.TransactionsOrder[0]
	victimHash := meta.VictimHash()

	c := &Case{
		ID:       filepath.Base(filepath.Clean(dir)),
		Attacker: attacker,
		Victim:   victim,
		Traces:   make(map[string]source.Factory, 4),
	}

	files := map[string]string{
		TraceAttackerNormal:  filepath.Join(dir, NormalDir, attackerHash+TraceExt),
		TraceAttackerReverse: filepath.Join(dir, ReverseDir, attackerHash+TraceExt),
		TraceVictimNormal:    filepath.Join(dir, NormalDir, victimHash+TraceExt),
		TraceVictimReverse:   filepath.Join(dir, ReverseDir, victimHash+TraceExt),
	}
	for name, path := range files {
		if _, err := os.Stat(path); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeFileIO, errors.SeverityHigh, errors.CodeFileIO, "轨迹文件不存在").
				WithContext("trace", name).
				WithContext("path", path)
		}
		c.Traces[name] = source.FileFactory(path)
	}
	return c, nil
}

// DiscoverCases 列出根目录下包含metadata.json的案例目录
func DiscoverCases(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeFileIO, errors.SeverityHigh, errors.CodeFileIO, "读取案例目录失败").
			WithContext("path", root)
	}

	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, MetadataFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}
