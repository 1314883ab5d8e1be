// Package scan reports which images already carry capture dates.
package scan

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	goexif "github.com/rwcarlsen/goexif/exif"
	"github.com/ubuntu/decorate"

	"example.com/photodate/internal/detect"
	"example.com/photodate/internal/jpeg"
	"example.com/photodate/internal/pairing"
	"example.com/photodate/internal/png"
)

// Status classifies one scanned file.
type Status string

const (
	StatusDated       Status = "dated"
	StatusMissing     Status = "missing"
	StatusUnsupported Status = "unsupported"
	StatusError       Status = "error"
)

// Report is the scan result for one file.
type Report struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Status Status `json:"status"`
	// Taken is the date found, in EXIF form.
	Taken string `json:"taken,omitempty"`
	// Field names where Taken came from.
	Field string `json:"field,omitempty"`
	Error string `json:"error,omitempty"`
}

// Image inspects one file.
func Image(path string) Report {
	rep := Report{Path: path}
	buf, err := os.ReadFile(path)
	if err != nil {
		rep.Status = StatusError
		rep.Error = err.Error()
		return rep
	}
	kind := detect.Detect(buf)
	rep.Kind = kind.String()
	switch kind {
	case detect.KindJPEG:
		scanJPEG(buf, &rep)
	case detect.KindPNG:
		scanPNG(buf, &rep)
	default:
		rep.Status = StatusUnsupported
	}
	return rep
}

func scanJPEG(buf []byte, rep *Report) {
	x, err := goexif.Decode(bytes.NewReader(buf))
	if x == nil {
		// No usable Exif block; tell a structurally broken file apart from
		// one that simply has no metadata.
		if _, perr := jpeg.Parse(buf); perr != nil {
			rep.Status = StatusError
			rep.Error = perr.Error()
			return
		}
		rep.Status = StatusMissing
		if err != nil && !strings.Contains(err.Error(), "exif") {
			rep.Error = err.Error()
		}
		return
	}
	for _, field := range []goexif.FieldName{goexif.DateTimeOriginal, goexif.DateTimeDigitized, goexif.DateTime} {
		tag, err := x.Get(field)
		if err != nil {
			continue
		}
		s, err := tag.StringVal()
		s = strings.TrimRight(s, "\x00 ")
		if err != nil || s == "" || strings.HasPrefix(s, "0000") {
			continue
		}
		rep.Status = StatusDated
		rep.Taken = s
		rep.Field = string(field)
		return
	}
	rep.Status = StatusMissing
}

func scanPNG(buf []byte, rep *Report) {
	chunks, err := png.Parse(buf)
	if err != nil {
		rep.Status = StatusError
		rep.Error = err.Error()
		return
	}
	dates := png.Dates(chunks)
	for _, key := range []string{png.KeyTaken, png.KeyDigitized} {
		if v := dates[key]; v != "" {
			rep.Status = StatusDated
			rep.Taken = v
			rep.Field = key
			return
		}
	}
	rep.Status = StatusMissing
}

// Dir scans every media file under root with workers goroutines. Reports
// are sorted by path.
func Dir(ctx context.Context, root string, workers int) (reps []Report, err error) {
	defer decorate.OnError(&err, "scan %s", root)

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.IsDir() && pairing.IsMedia(d.Name()) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	reps = make([]Report, len(paths))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				reps[i] = Image(paths[i])
			}
		}()
	}
feed:
	for i := range paths {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(reps, func(i, j int) bool { return reps[i].Path < reps[j].Path })
	return reps, nil
}

// Tally counts reports by status.
func Tally(reps []Report) map[Status]int {
	out := make(map[Status]int)
	for _, r := range reps {
		out[r.Status]++
	}
	return out
}
