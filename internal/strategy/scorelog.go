package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"bottrader/pkg/types"
)

const (
	defaultScoreBackups = 7
	topComponentCount   = 5
	backupDateLayout    = "2006-01-02"
)

// scoreRecord is the compact per-evaluation line. Key names are part of the
// log contract; downstream analysis reads them verbatim.
type scoreRecord struct {
	TS                string                 `json:"ts"`
	Symbol            string                 `json:"symbol"`
	BarIdx            int                    `json:"bar_idx"`
	Price             float64                `json:"price"`
	Action            string                 `json:"action"`
	Trigger           string                 `json:"trigger"`
	BuyScore          float64                `json:"buy_score"`
	SellScore         float64                `json:"sell_score"`
	TargetBuy         float64                `json:"target_buy"`
	TargetSell        float64                `json:"target_sell"`
	LastSide          string                 `json:"last_side"`
	CooldownUntil     int                    `json:"cooldown_until"`
	TopBuyComponents  []types.ScoreComponent `json:"top_buy_components"`
	TopSellComponents []types.ScoreComponent `json:"top_sell_components"`
	Raw               types.RawIndicators    `json:"raw"`
}

// componentRecord is one line of the per-component log, which carries the
// full component set for every evaluation.
type componentRecord struct {
	TS           string   `json:"ts"`
	Symbol       string   `json:"symbol"`
	BarIdx       int      `json:"bar_idx"`
	Side         string   `json:"side"`
	Indicator    string   `json:"indicator"`
	Decision     int      `json:"decision"`
	Value        *float64 `json:"value"`
	Threshold    *float64 `json:"threshold"`
	Weight       float64  `json:"weight"`
	Contribution float64  `json:"contribution"`
}

// rotatingFile appends lines to path, renames it to path.YYYY-MM-DD at the
// first write of a new UTC day, and prunes old backups.
type rotatingFile struct {
	path    string
	backups int

	f   *os.File
	day string
}

func (r *rotatingFile) write(now time.Time, line []byte) error {
	day := now.UTC().Format(backupDateLayout)
	if r.f == nil || day != r.day {
		if err := r.rotate(day); err != nil {
			return err
		}
	}
	_, err := r.f.Write(append(line, '\n'))
	return err
}

// rotate closes the current file, archives it under its own day stamp when
// that day differs from the new one, and opens a fresh file.
func (r *rotatingFile) rotate(day string) error {
	prev := r.day
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	if prev == "" {
		prev = r.existingDay()
	}
	if prev != "" && prev != day {
		backup := fmt.Sprintf("%s.%s", r.path, prev)
		if err := os.Rename(r.path, backup); err != nil && !os.IsNotExist(err) {
			return err
		}
		r.prune()
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	r.f = f
	r.day = day
	return nil
}

// existingDay reports the UTC day of the current file on disk, empty when
// the file does not exist. A restart resumes the same-day file instead of
// rotating it away.
func (r *rotatingFile) existingDay() string {
	info, err := os.Stat(r.path)
	if err != nil {
		return ""
	}
	return info.ModTime().UTC().Format(backupDateLayout)
}

// prune removes the oldest backups beyond the retention count. Backup names
// embed the day, so lexicographic order is chronological.
func (r *rotatingFile) prune() {
	matches, err := filepath.Glob(r.path + ".*")
	if err != nil {
		return
	}
	var backups []string
	for _, m := range matches {
		suffix := m[len(r.path)+1:]
		if _, err := time.Parse(backupDateLayout, suffix); err == nil {
			backups = append(backups, m)
		}
	}
	if len(backups) <= r.backups {
		return
	}
	sort.Strings(backups)
	for _, old := range backups[:len(backups)-r.backups] {
		os.Remove(old)
	}
}

func (r *rotatingFile) close() {
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
}

// ScoreLog writes one compact JSONL record per signal evaluation plus the
// full component set to a sibling per-component file. Both files rotate
// daily and keep a bounded number of backups.
type ScoreLog struct {
	mu         sync.Mutex
	compact    rotatingFile
	components rotatingFile
	now        func() time.Time
}

// NewScoreLog creates a score log writing to path. backups <= 0 selects the
// default retention of 7.
func NewScoreLog(path string, backups int) *ScoreLog {
	if backups <= 0 {
		backups = defaultScoreBackups
	}
	return &ScoreLog{
		compact:    rotatingFile{path: path, backups: backups},
		components: rotatingFile{path: componentsPath(path), backups: backups},
		now:        time.Now,
	}
}

// componentsPath derives the per-component file name, scores.jsonl becoming
// scores.components.jsonl.
func componentsPath(path string) string {
	ext := filepath.Ext(path)
	return path[:len(path)-len(ext)] + ".components" + ext
}

// Append writes the evaluation to both files.
func (s *ScoreLog) Append(result types.SignalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ts := now.UTC().Format(time.RFC3339Nano)

	rec := scoreRecord{
		TS:                ts,
		Symbol:            result.Symbol,
		BarIdx:            result.BarIdx,
		Price:             result.Price,
		Action:            string(result.Action),
		Trigger:           result.Trigger,
		BuyScore:          result.BuyScore,
		SellScore:         result.SellScore,
		TargetBuy:         result.TargetBuy,
		TargetSell:        result.TargetSell,
		LastSide:          result.LastSide,
		CooldownUntil:     result.CooldownUntil,
		TopBuyComponents:  topComponents(result.BuyComponents),
		TopSellComponents: topComponents(result.SellComponents),
		Raw:               result.Raw,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.compact.write(now, line); err != nil {
		return err
	}

	for _, side := range []struct {
		name  string
		comps []types.ScoreComponent
	}{
		{"buy", result.BuyComponents},
		{"sell", result.SellComponents},
	} {
		for _, c := range side.comps {
			cl, err := json.Marshal(componentRecord{
				TS:           ts,
				Symbol:       result.Symbol,
				BarIdx:       result.BarIdx,
				Side:         side.name,
				Indicator:    string(c.Indicator),
				Decision:     c.Decision,
				Value:        c.Value,
				Threshold:    c.Threshold,
				Weight:       c.Weight,
				Contribution: c.Contribution,
			})
			if err != nil {
				return err
			}
			if err := s.components.write(now, cl); err != nil {
				return err
			}
		}
	}
	return nil
}

// topComponents returns the strongest entries by absolute contribution,
// ties broken by indicator order.
func topComponents(comps []types.ScoreComponent) []types.ScoreComponent {
	top := make([]types.ScoreComponent, len(comps))
	copy(top, comps)
	sort.SliceStable(top, func(i, j int) bool {
		ai, aj := top[i].Contribution, top[j].Contribution
		if ai < 0 {
			ai = -ai
		}
		if aj < 0 {
			aj = -aj
		}
		return ai > aj
	})
	if len(top) > topComponentCount {
		top = top[:topComponentCount]
	}
	return top
}

// Close flushes and closes both files.
func (s *ScoreLog) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compact.close()
	s.components.close()
}
