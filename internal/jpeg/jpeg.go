// Package jpeg splits a JPEG stream into marker segments and puts it back
// together. Nothing past the start-of-scan header is interpreted.
package jpeg

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"example.com/photodate/internal/common"
	"example.com/photodate/internal/exif"
	"example.com/photodate/internal/timestamp"
)

// Marker is the second byte of a 0xFF-prefixed JPEG marker.
type Marker byte

const (
	MarkerTEM  Marker = 0x01
	MarkerRST0 Marker = 0xD0
	MarkerRST7 Marker = 0xD7
	MarkerSOI  Marker = 0xD8
	MarkerEOI  Marker = 0xD9
	MarkerSOS  Marker = 0xDA
	MarkerDQT  Marker = 0xDB
	MarkerAPP0 Marker = 0xE0
	MarkerAPP1 Marker = 0xE1
	MarkerCOM  Marker = 0xFE

	// MarkerScanData tags the opaque bytes following the SOS header. It is
	// never written as a marker.
	MarkerScanData Marker = 0x00
)

// MaxPayload is the largest payload a length-prefixed segment can hold.
const MaxPayload = 0xFFFF - 2

// Segment is one marker and its payload. Standalone markers have no payload.
type Segment struct {
	Marker  Marker
	Payload []byte
	// Fill counts the 0xFF padding bytes seen before the marker.
	Fill int
}

// Standalone reports whether m is written without a length field.
func (m Marker) Standalone() bool {
	switch {
	case m == MarkerSOI, m == MarkerEOI, m == MarkerTEM:
		return true
	case m >= MarkerRST0 && m <= MarkerRST7:
		return true
	}
	return false
}

func (m Marker) String() string {
	switch m {
	case MarkerSOI:
		return "SOI"
	case MarkerEOI:
		return "EOI"
	case MarkerSOS:
		return "SOS"
	case MarkerScanData:
		return "scan data"
	case MarkerCOM:
		return "COM"
	}
	if m >= MarkerAPP0 && m <= MarkerAPP0+15 {
		return fmt.Sprintf("APP%d", m-MarkerAPP0)
	}
	return fmt.Sprintf("0x%02X", byte(m))
}

func formatErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: jpeg: %s", common.ErrFormat, fmt.Sprintf(format, args...))
}

// Parse splits buf into segments ending with SOS followed by one
// MarkerScanData segment holding everything after it. Payloads are copies.
func Parse(buf []byte) ([]Segment, error) {
	if len(buf) < 2 || buf[0] != 0xFF || Marker(buf[1]) != MarkerSOI {
		return nil, formatErr("missing start-of-image marker")
	}
	segs := []Segment{{Marker: MarkerSOI}}
	pos := 2
	for {
		if pos >= len(buf) {
			return nil, formatErr("end of data before start-of-scan")
		}
		if buf[pos] != 0xFF {
			return nil, formatErr("expected marker at offset %d, found 0x%02X", pos, buf[pos])
		}
		fill := 0
		for pos+1 < len(buf) && buf[pos+1] == 0xFF {
			fill++
			pos++
		}
		if pos+1 >= len(buf) {
			return nil, formatErr("truncated marker at offset %d", pos)
		}
		m := Marker(buf[pos+1])
		at := pos
		pos += 2

		switch {
		case m == MarkerScanData:
			return nil, formatErr("stuffed byte outside scan data at offset %d", at)
		case m == MarkerSOI:
			return nil, formatErr("second start-of-image at offset %d", at)
		case m == MarkerEOI:
			return nil, formatErr("end-of-image at offset %d before start-of-scan", at)
		case m.Standalone():
			segs = append(segs, Segment{Marker: m, Fill: fill})
			continue
		}

		if pos+2 > len(buf) {
			return nil, formatErr("truncated length of %s at offset %d", m, at)
		}
		n := int(binary.BigEndian.Uint16(buf[pos:]))
		if n < 2 {
			return nil, formatErr("%s at offset %d declares length %d", m, at, n)
		}
		if pos+n > len(buf) {
			return nil, formatErr("%s at offset %d declares %d bytes, %d available", m, at, n, len(buf)-pos)
		}
		segs = append(segs, Segment{Marker: m, Payload: bytes.Clone(buf[pos+2 : pos+n]), Fill: fill})
		pos += n

		if m == MarkerSOS {
			segs = append(segs, Segment{Marker: MarkerScanData, Payload: bytes.Clone(buf[pos:])})
			return segs, nil
		}
	}
}

// Serialize writes segs back out. For an unmodified Parse result the output
// equals the parsed input.
func Serialize(segs []Segment) ([]byte, error) {
	size := 0
	for _, s := range segs {
		size += s.Fill + 4 + len(s.Payload)
	}
	out := make([]byte, 0, size)
	for i, s := range segs {
		if s.Marker == MarkerScanData {
			out = append(out, s.Payload...)
			continue
		}
		for j := 0; j < s.Fill; j++ {
			out = append(out, 0xFF)
		}
		out = append(out, 0xFF, byte(s.Marker))
		if s.Marker.Standalone() {
			if len(s.Payload) != 0 {
				return nil, formatErr("segment %d (%s) is standalone but has a %d byte payload", i, s.Marker, len(s.Payload))
			}
			continue
		}
		if len(s.Payload) > MaxPayload {
			return nil, formatErr("segment %d (%s) payload of %d bytes exceeds %d", i, s.Marker, len(s.Payload), MaxPayload)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(s.Payload)+2))
		out = append(out, s.Payload...)
	}
	return out, nil
}

// exifIndex returns the index of the first APP1 Exif segment before SOS.
func exifIndex(segs []Segment) int {
	for i, s := range segs {
		if s.Marker == MarkerSOS {
			break
		}
		if s.Marker == MarkerAPP1 && bytes.HasPrefix(s.Payload, exif.Header) {
			return i
		}
	}
	return -1
}

// ExifBody returns the TIFF body of the Exif segment, if there is one.
func ExifBody(segs []Segment) ([]byte, bool) {
	i := exifIndex(segs)
	if i < 0 {
		return nil, false
	}
	return segs[i].Payload[len(exif.Header):], true
}

// SetDates returns a new segment list whose Exif segment carries taken and
// digitized. An existing Exif segment is patched; otherwise one is inserted
// right after SOI. segs is not modified.
func SetDates(segs []Segment, taken, digitized timestamp.Timestamp) ([]Segment, error) {
	if len(segs) == 0 || segs[0].Marker != MarkerSOI {
		return nil, formatErr("segment list does not start with SOI")
	}

	idx := exifIndex(segs)
	var tiff []byte
	var err error
	if idx >= 0 {
		tiff, err = exif.PatchDates(segs[idx].Payload[len(exif.Header):], taken, digitized)
		if err != nil {
			return nil, err
		}
	} else {
		tiff = exif.Build(taken, digitized)
	}

	payload := make([]byte, 0, len(exif.Header)+len(tiff))
	payload = append(payload, exif.Header...)
	payload = append(payload, tiff...)
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: exif block of %d bytes no longer fits one segment",
			common.ErrUnsupportedDirectoryLayout, len(payload))
	}

	out := make([]Segment, 0, len(segs)+1)
	if idx >= 0 {
		out = append(out, segs...)
		out[idx] = Segment{Marker: MarkerAPP1, Payload: payload, Fill: segs[idx].Fill}
		return out, nil
	}
	out = append(out, segs[0], Segment{Marker: MarkerAPP1, Payload: payload})
	return append(out, segs[1:]...), nil
}

// InjectDates parses buf, sets both dates and serializes the result.
func InjectDates(buf []byte, taken, digitized timestamp.Timestamp) ([]byte, error) {
	segs, err := Parse(buf)
	if err != nil {
		return nil, err
	}
	segs, err = SetDates(segs, taken, digitized)
	if err != nil {
		return nil, err
	}
	return Serialize(segs)
}
