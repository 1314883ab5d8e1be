// Package batch runs the injector over many paired images. Each image is
// read whole, transformed in memory and replaced atomically; one failure
// never stops the run.
package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/photodate/internal/common"
	"example.com/photodate/internal/detect"
	"example.com/photodate/internal/inject"
	"example.com/photodate/internal/pairing"
	"example.com/photodate/internal/sidecar"
	"example.com/photodate/internal/timestamp"
)

// Status is the outcome of one pair.
type Status string

const (
	StatusUpdated   Status = "updated"
	StatusUnchanged Status = "unchanged"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// BackupSuffix is appended to an image path to name its backup.
const BackupSuffix = ".orig"

// Options configure a Runner.
type Options struct {
	Workers int
	DryRun  bool
	Backup  bool
	// OutDir receives rewritten images instead of replacing the originals.
	// Paths below Root are kept.
	OutDir string
	Root   string
	// Audit, when set, receives one entry per written image.
	Audit   *common.PatchLog
	Metrics *common.Metrics
	// RunID tags audit entries; a random one is used when empty.
	RunID string
}

// Result describes what happened to one pair.
type Result struct {
	Pair   pairing.Filepair `json:"pair"`
	Status Status           `json:"status"`
	Kind   string           `json:"kind,omitempty"`
	// Output is the file that was (or in a dry run would be) written.
	Output string          `json:"output,omitempty"`
	Dates  timestamp.Dates `json:"-"`
	Source string          `json:"timestampSource,omitempty"`
	Size   int64           `json:"size"`
	Err    error           `json:"-"`
	Error  string          `json:"error,omitempty"`
	Class  string          `json:"errorClass,omitempty"`
}

// Runner processes pairs with a fixed worker pool.
type Runner struct {
	opts  Options
	locks sync.Map
}

// New returns a Runner with defaults applied.
func New(opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Runner{opts: opts}
}

// RunID returns the identifier stamped on this runner's audit entries.
func (r *Runner) RunID() string {
	return r.opts.RunID
}

// Run processes every pair and returns results in input order. Once ctx is
// done no further pairs are started; those are reported as cancelled.
func (r *Runner) Run(ctx context.Context, pairs []pairing.Filepair) []Result {
	results := make([]Result, len(pairs))
	if m := r.opts.Metrics; m != nil {
		m.SetTotalImages(int64(len(pairs)))
		m.Start()
		defer m.Stop()
	}

	jobs := make(chan int, r.opts.Workers)
	var wg sync.WaitGroup
	for w := 0; w < r.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = r.Process(ctx, pairs[i])
			}
		}()
	}

dispatch:
	for i := range pairs {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	for i := range results {
		if results[i].Status == "" {
			results[i] = Result{Pair: pairs[i], Status: StatusCancelled}
		}
	}
	return results
}

// lock serializes work on one image path.
func (r *Runner) lock(path string) func() {
	v, _ := r.locks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Process handles a single pair.
func (r *Runner) Process(ctx context.Context, pair pairing.Filepair) Result {
	res := Result{Pair: pair}
	if ctx.Err() != nil {
		res.Status = StatusCancelled
		return res
	}
	unlock := r.lock(pair.Image)
	defer unlock()

	r.process(&res)
	if res.Err != nil {
		res.Error = res.Err.Error()
		res.Class = common.Classify(res.Err)
		if res.Status == StatusFailed {
			common.Logf("%s: %s: %v", res.Status, pair.Image, res.Err)
		}
	}
	if m := r.opts.Metrics; m != nil {
		m.AddImage(res.Size, string(res.Status))
	}
	return res
}

func (r *Runner) process(res *Result) {
	fail := func(err error) {
		res.Status = StatusFailed
		res.Err = err
	}

	rec, err := sidecar.Load(res.Pair.Sidecar)
	if err != nil {
		fail(err)
		return
	}
	buf, err := os.ReadFile(res.Pair.Image)
	if err != nil {
		fail(fmt.Errorf("read image: %w", err))
		return
	}
	res.Size = int64(len(buf))

	kind := detect.Detect(buf)
	res.Kind = kind.String()
	if !kind.Injectable() {
		res.Status = StatusSkipped
		res.Err = fmt.Errorf("%w: %s", common.ErrUnsupportedContainer, kind)
		return
	}

	out, dates, err := inject.Restore(buf, kind, rec)
	if err != nil {
		fail(err)
		return
	}
	res.Dates = dates
	res.Source = sourceLabel(dates)

	target, err := r.target(res.Pair.Image)
	if err != nil {
		fail(err)
		return
	}
	res.Output = target
	changed := !bytes.Equal(out, buf)
	if !changed && target == res.Pair.Image {
		res.Status = StatusUnchanged
		return
	}
	res.Status = StatusUpdated
	if !changed {
		res.Status = StatusUnchanged
	}
	if r.opts.DryRun {
		r.audit(res, buf, out, "")
		return
	}

	backup := ""
	if r.opts.Backup && target == res.Pair.Image {
		if backup, err = writeBackup(res.Pair.Image); err != nil {
			fail(err)
			return
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		fail(err)
		return
	}
	if err := common.WriteFileAtomic(target, out, 0o644); err != nil {
		fail(err)
		return
	}
	r.audit(res, buf, out, backup)
}

// target returns where the rewritten image goes.
func (r *Runner) target(image string) (string, error) {
	if r.opts.OutDir == "" {
		return image, nil
	}
	if r.opts.Root == "" {
		return filepath.Join(r.opts.OutDir, filepath.Base(image)), nil
	}
	rel, err := filepath.Rel(r.opts.Root, image)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("image %s is outside %s", image, r.opts.Root)
	}
	return filepath.Join(r.opts.OutDir, rel), nil
}

// writeBackup copies image next to itself unless a backup already exists.
// An existing backup holds the oldest original and is kept.
func writeBackup(image string) (string, error) {
	backup := image + BackupSuffix
	if _, err := os.Stat(backup); err == nil {
		return backup, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := common.CopyFile(image, backup); err != nil {
		return "", fmt.Errorf("backup %s: %w", image, err)
	}
	return backup, nil
}

func (r *Runner) audit(res *Result, before, after []byte, backup string) {
	if r.opts.Audit == nil {
		return
	}
	entry := common.PatchEntry{
		RunID:           r.opts.RunID,
		Image:           res.Output,
		Sidecar:         res.Pair.Sidecar,
		Kind:            res.Kind,
		TimestampSource: res.Source,
		Taken:           res.Dates.Taken.String(),
		Digitized:       res.Dates.Digitized.String(),
		BeforeSha256:    common.Sha256Hex(before),
		AfterSha256:     common.Sha256Hex(after),
		SizeBefore:      int64(len(before)),
		SizeAfter:       int64(len(after)),
		Backup:          backup,
		DryRun:          r.opts.DryRun,
		Ts:              time.Now().UTC(),
	}
	if err := r.opts.Audit.Append(entry); err != nil {
		common.Logf("audit %s: %v", res.Output, err)
	}
}

func sourceLabel(d timestamp.Dates) string {
	if d.TakenSource == d.DigitizedSource {
		return string(d.TakenSource)
	}
	return string(d.TakenSource) + "/" + string(d.DigitizedSource)
}

// Count tallies results by status.
func Count(results []Result) map[Status]int {
	out := make(map[Status]int)
	for _, r := range results {
		out[r.Status]++
	}
	return out
}
