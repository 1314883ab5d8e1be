// Package report summarizes a restore run and renders it as JSON or PDF.
package report

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"example.com/photodate/internal/batch"
)

// Failure is one pair that could not be processed.
type Failure struct {
	Image   string `json:"image"`
	Sidecar string `json:"sidecar"`
	Class   string `json:"class"`
	Error   string `json:"error"`
}

// Summary is the outcome of one run.
type Summary struct {
	RunID      string         `json:"runId"`
	Started    time.Time      `json:"started"`
	DurationMs int64          `json:"durationMs"`
	DryRun     bool           `json:"dryRun"`
	Total      int            `json:"total"`
	Bytes      int64          `json:"bytes"`
	ByStatus   map[string]int `json:"byStatus"`
	ByKind     map[string]int `json:"byKind"`
	BySource   map[string]int `json:"byTimestampSource"`
	Failures   []Failure      `json:"failures"`
}

// Summarize tallies results.
func Summarize(runID string, started time.Time, elapsed time.Duration, dryRun bool, results []batch.Result) Summary {
	s := Summary{
		RunID:      runID,
		Started:    started.UTC(),
		DurationMs: elapsed.Milliseconds(),
		DryRun:     dryRun,
		Total:      len(results),
		ByStatus:   map[string]int{},
		ByKind:     map[string]int{},
		BySource:   map[string]int{},
		Failures:   []Failure{},
	}
	for _, r := range results {
		s.ByStatus[string(r.Status)]++
		s.Bytes += r.Size
		if r.Kind != "" {
			s.ByKind[r.Kind]++
		}
		if r.Source != "" {
			s.BySource[r.Source]++
		}
		if r.Status == batch.StatusFailed {
			s.Failures = append(s.Failures, Failure{
				Image:   r.Pair.Image,
				Sidecar: r.Pair.Sidecar,
				Class:   r.Class,
				Error:   r.Error,
			})
		}
	}
	sort.Slice(s.Failures, func(i, j int) bool { return s.Failures[i].Image < s.Failures[j].Image })
	return s
}

// Duration returns the run time.
func (s Summary) Duration() time.Duration {
	return time.Duration(s.DurationMs) * time.Millisecond
}

func SaveJSON(s Summary, out string) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadJSON(path string) (Summary, error) {
	var s Summary
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(b, &s)
	return s, err
}
