// Package inject writes recovered capture dates into an image buffer. It
// performs no I/O: callers read the file, call Inject and replace the file
// with the result.
package inject

import (
	"fmt"

	"example.com/photodate/internal/common"
	"example.com/photodate/internal/detect"
	"example.com/photodate/internal/jpeg"
	"example.com/photodate/internal/png"
	"example.com/photodate/internal/timestamp"
)

// Inject returns a complete copy of buf carrying taken and digitized. buf is
// never modified, and on error no buffer is returned.
func Inject(buf []byte, kind detect.Kind, taken, digitized timestamp.Timestamp) ([]byte, error) {
	switch kind {
	case detect.KindJPEG:
		return jpeg.InjectDates(buf, taken, digitized)
	case detect.KindPNG:
		return png.InjectDates(buf, taken, digitized)
	default:
		return nil, fmt.Errorf("%w: %s", common.ErrUnsupportedContainer, kind)
	}
}

// Restore normalizes the dates held by rec and injects them into buf.
func Restore(buf []byte, kind detect.Kind, rec timestamp.Record) ([]byte, timestamp.Dates, error) {
	dates, err := timestamp.FromRecord(rec)
	if err != nil {
		return nil, timestamp.Dates{}, err
	}
	out, err := Inject(buf, kind, dates.Taken, dates.Digitized)
	if err != nil {
		return nil, dates, err
	}
	return out, dates, nil
}
