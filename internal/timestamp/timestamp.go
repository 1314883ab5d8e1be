// Package timestamp turns sidecar date fields into the calendar values the
// image metadata containers store.
package timestamp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"example.com/photodate/internal/common"
)

// Sidecar keys of the two date sub-records.
const (
	KeyTaken    = "photoTakenTime"
	KeyCreation = "creationTime"
)

// EXIFLayout is the canonical EXIF date-time rendering.
const EXIFLayout = "2006:01:02 15:04:05"

// EXIFValueLen is the on-disk size of an EXIF date-time value including the
// terminating NUL.
const EXIFValueLen = 20

// Source records which sidecar field produced a timestamp.
type Source string

const (
	SourceEpoch     Source = "epoch"
	SourceFormatted Source = "formatted"
)

// formattedLayouts are tried in order. The sidecar strings carry a literal
// "UTC" suffix and no offset.
var formattedLayouts = []string{
	"Jan 2, 2006 3:04:05 PM UTC",
	"Jan 2, 2006, 3:04:05 PM UTC",
	"January 2, 2006 3:04:05 PM UTC",
	"January 2, 2006, 3:04:05 PM UTC",
	"2 Jan 2006, 15:04:05 UTC",
}

// Record is the lookup surface of a decoded sidecar document.
type Record interface {
	Lookup(path ...string) (any, bool)
}

// Timestamp is a calendar date-time without zone.
type Timestamp struct {
	Year, Month, Day     int
	Hour, Minute, Second int
}

// Dates holds the two values written into an image.
type Dates struct {
	Taken     Timestamp
	Digitized Timestamp
	// Source of each value, kept so runs can be audited for zone skew.
	TakenSource     Source
	DigitizedSource Source
}

type dateField struct {
	Timestamp string `mapstructure:"timestamp"`
	Formatted string `mapstructure:"formatted"`
}

// New validates and builds a Timestamp.
func New(year, month, day, hour, minute, second int) (Timestamp, error) {
	ts := Timestamp{Year: year, Month: month, Day: day, Hour: hour, Minute: minute, Second: second}
	if err := ts.validate(); err != nil {
		return Timestamp{}, err
	}
	return ts, nil
}

// FromTime takes the calendar fields of t as they are, in t's location.
func FromTime(t time.Time) (Timestamp, error) {
	return New(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
}

func (t Timestamp) validate() error {
	if t.Year < 0 || t.Year > 9999 {
		return fmt.Errorf("%w: year %d out of range", common.ErrMalformedTimestamp, t.Year)
	}
	if t.Month < 1 || t.Month > 12 {
		return fmt.Errorf("%w: month %d out of range", common.ErrMalformedTimestamp, t.Month)
	}
	if t.Day < 1 || t.Day > daysIn(t.Year, t.Month) {
		return fmt.Errorf("%w: day %d out of range", common.ErrMalformedTimestamp, t.Day)
	}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return fmt.Errorf("%w: time %02d:%02d:%02d out of range", common.ErrMalformedTimestamp, t.Hour, t.Minute, t.Second)
	}
	return nil
}

func daysIn(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// String renders the EXIF form, e.g. "2021:01:01 00:00:00".
func (t Timestamp) String() string {
	return fmt.Sprintf("%04d:%02d:%02d %02d:%02d:%02d", t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Second)
}

// EXIF returns the NUL-terminated ASCII value stored in a tag directory.
func (t Timestamp) EXIF() []byte {
	b := make([]byte, 0, EXIFValueLen)
	b = append(b, t.String()...)
	return append(b, 0)
}

// Time returns t as a UTC instant.
func (t Timestamp) Time() time.Time {
	return time.Date(t.Year, time.Month(t.Month), t.Day, t.Hour, t.Minute, t.Second, 0, time.UTC)
}

// ParseEXIF parses "YYYY:MM:DD HH:MM:SS", tolerating a trailing NUL.
func ParseEXIF(s string) (Timestamp, error) {
	s = strings.TrimRight(s, "\x00 ")
	t, err := time.Parse(EXIFLayout, s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: %q", common.ErrMalformedTimestamp, s)
	}
	return FromTime(t)
}

// ParseEpoch converts an epoch-seconds string.
func ParseEpoch(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: epoch %q", common.ErrMalformedTimestamp, s)
	}
	return FromTime(time.Unix(secs, 0).UTC())
}

// ParseFormatted converts a sidecar display string such as
// "Jan 1, 2021, 12:00:00 AM UTC".
func ParseFormatted(s string) (Timestamp, error) {
	norm := normalizeSpaces(s)
	for _, layout := range formattedLayouts {
		if t, err := time.Parse(layout, norm); err == nil {
			return FromTime(t)
		}
	}
	return Timestamp{}, fmt.Errorf("%w: formatted %q", common.ErrMalformedTimestamp, s)
}

// normalizeSpaces folds the narrow and non-breaking spaces newer exports put
// before the meridiem and collapses runs of blanks.
func normalizeSpaces(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u202f', '\u00a0', '\t':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// FromRecord extracts the taken and creation timestamps from rec.
func FromRecord(rec Record) (Dates, error) {
	var d Dates
	var err error
	if d.Taken, d.TakenSource, err = fromField(rec, KeyTaken); err != nil {
		return Dates{}, err
	}
	if d.Digitized, d.DigitizedSource, err = fromField(rec, KeyCreation); err != nil {
		return Dates{}, err
	}
	return d, nil
}

func fromField(rec Record, key string) (Timestamp, Source, error) {
	if rec == nil {
		return Timestamp{}, "", fmt.Errorf("%w: %s", common.ErrMissingField, key)
	}
	raw, ok := rec.Lookup(key)
	if !ok || raw == nil {
		return Timestamp{}, "", fmt.Errorf("%w: %s", common.ErrMissingField, key)
	}
	var f dateField
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &f,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Timestamp{}, "", err
	}
	if err := dec.Decode(raw); err != nil {
		return Timestamp{}, "", fmt.Errorf("%w: %s: %v", common.ErrMalformedTimestamp, key, err)
	}
	epoch := strings.TrimSpace(f.Timestamp)
	formatted := strings.TrimSpace(f.Formatted)
	if epoch == "" && formatted == "" {
		return Timestamp{}, "", fmt.Errorf("%w: %s.timestamp", common.ErrMissingField, key)
	}

	var firstErr error
	if epoch != "" {
		ts, err := ParseEpoch(epoch)
		if err == nil {
			return ts, SourceEpoch, nil
		}
		firstErr = err
	}
	if formatted != "" {
		ts, err := ParseFormatted(formatted)
		if err == nil {
			return ts, SourceFormatted, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return Timestamp{}, "", fmt.Errorf("%s: %w", key, firstErr)
}
