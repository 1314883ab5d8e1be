// Package exif reads and patches the TIFF tag directories carried in an
// Exif block. Only the capture date fields are ever changed. Existing
// values never move: rewritten values and directories are appended to the
// end of the block and the referring offsets are repointed.
package exif

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"example.com/photodate/internal/common"
	"example.com/photodate/internal/timestamp"
)

// Header prefixes the TIFF body inside a JPEG APP1 segment.
var Header = []byte("Exif\x00\x00")

const (
	TagDateTime          uint16 = 0x0132
	TagExifIFDPointer    uint16 = 0x8769
	TagExifVersion       uint16 = 0x9000
	TagDateTimeOriginal  uint16 = 0x9003
	TagDateTimeDigitized uint16 = 0x9004
)

const (
	tiffHeaderLen = 8
	tiffMagic     = 42
	entryLen      = 12
)

// DataType is the TIFF field type of a directory entry.
type DataType uint16

const (
	TypeByte      DataType = 1
	TypeASCII     DataType = 2
	TypeShort     DataType = 3
	TypeLong      DataType = 4
	TypeRational  DataType = 5
	TypeSByte     DataType = 6
	TypeUndefined DataType = 7
	TypeSShort    DataType = 8
	TypeSLong     DataType = 9
	TypeSRational DataType = 10
	TypeFloat     DataType = 11
	TypeDouble    DataType = 12
	TypeIFD       DataType = 13
)

// Size returns the byte width of one value of t, or 0 if t is unknown.
func (t DataType) Size() int {
	switch t {
	case TypeByte, TypeASCII, TypeSByte, TypeUndefined:
		return 1
	case TypeShort, TypeSShort:
		return 2
	case TypeLong, TypeSLong, TypeFloat, TypeIFD:
		return 4
	case TypeRational, TypeSRational, TypeDouble:
		return 8
	default:
		return 0
	}
}

// Entry is one 12-byte directory record. Value holds the inline value or the
// offset of the out-of-line value, in the block's byte order.
type Entry struct {
	Tag   uint16
	Type  DataType
	Count uint32
	Value [4]byte
}

// dataLen returns the value size in bytes; ok is false for unknown types.
func (e Entry) dataLen() (uint64, bool) {
	size := e.Type.Size()
	if size == 0 {
		return 0, false
	}
	return uint64(size) * uint64(e.Count), true
}

type directory struct {
	offset  uint32
	entries []Entry
	next    uint32
}

func (d *directory) entryOffset(i int) int {
	return int(d.offset) + 2 + entryLen*i
}

// find returns the index of tag, or -1. Duplicate tags are a layout error.
func (d *directory) find(tag uint16) (int, error) {
	idx := -1
	for i, e := range d.entries {
		if e.Tag != tag {
			continue
		}
		if idx >= 0 {
			return -1, layoutErr("tag 0x%04X appears more than once in directory at %d", tag, d.offset)
		}
		idx = i
	}
	return idx, nil
}

type tagValue struct {
	tag  uint16
	typ  DataType
	data []byte
}

type block struct {
	buf   []byte
	order binary.ByteOrder
}

func layoutErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", common.ErrUnsupportedDirectoryLayout, fmt.Sprintf(format, args...))
}

// parseHeader validates the TIFF header and returns the first IFD offset.
func parseHeader(buf []byte) (*block, uint32, error) {
	if len(buf) < tiffHeaderLen {
		return nil, 0, layoutErr("tiff header truncated (%d bytes)", len(buf))
	}
	b := &block{buf: buf}
	switch string(buf[:2]) {
	case "II":
		b.order = binary.LittleEndian
	case "MM":
		b.order = binary.BigEndian
	default:
		return nil, 0, layoutErr("bad byte order mark %q", buf[:2])
	}
	if magic := b.order.Uint16(buf[2:4]); magic != tiffMagic {
		return nil, 0, layoutErr("bad tiff magic %d", magic)
	}
	return b, b.order.Uint32(buf[4:8]), nil
}

func (b *block) readDirectory(off uint32) (*directory, error) {
	if off < tiffHeaderLen || uint64(off)+2 > uint64(len(b.buf)) {
		return nil, layoutErr("directory offset %d outside block of %d bytes", off, len(b.buf))
	}
	n := int(b.order.Uint16(b.buf[off:]))
	end := uint64(off) + 2 + uint64(entryLen*n) + 4
	if end > uint64(len(b.buf)) {
		return nil, layoutErr("directory at %d with %d entries overruns block of %d bytes", off, n, len(b.buf))
	}
	d := &directory{offset: off, entries: make([]Entry, n)}
	for i := 0; i < n; i++ {
		p := d.entryOffset(i)
		e := Entry{
			Tag:   b.order.Uint16(b.buf[p:]),
			Type:  DataType(b.order.Uint16(b.buf[p+2:])),
			Count: b.order.Uint32(b.buf[p+4:]),
		}
		copy(e.Value[:], b.buf[p+8:p+12])
		d.entries[i] = e
	}
	d.next = b.order.Uint32(b.buf[d.entryOffset(n):])
	return d, nil
}

// valueRange returns the out-of-line byte range of e. inline is true when
// the value sits in the entry itself.
func (b *block) valueRange(e Entry) (start, end uint64, inline bool, err error) {
	n, ok := e.dataLen()
	if !ok {
		return 0, 0, false, layoutErr("tag 0x%04X has unknown type %d", e.Tag, e.Type)
	}
	if n <= 4 {
		return 0, n, true, nil
	}
	start = uint64(b.order.Uint32(e.Value[:]))
	end = start + n
	if start < tiffHeaderLen {
		return 0, 0, false, layoutErr("tag 0x%04X value at %d overlaps the tiff header", e.Tag, start)
	}
	if end > uint64(len(b.buf)) {
		return 0, 0, false, layoutErr("tag 0x%04X value at %d+%d outside block of %d bytes", e.Tag, start, n, len(b.buf))
	}
	return start, end, false, nil
}

func (b *block) value(e Entry) ([]byte, error) {
	start, end, inline, err := b.valueRange(e)
	if err != nil {
		return nil, err
	}
	if inline {
		return e.Value[:end], nil
	}
	return b.buf[start:end], nil
}

func (b *block) writeEntry(p int, e Entry) {
	b.order.PutUint16(b.buf[p:], e.Tag)
	b.order.PutUint16(b.buf[p+2:], uint16(e.Type))
	b.order.PutUint32(b.buf[p+4:], e.Count)
	copy(b.buf[p+8:p+12], e.Value[:])
}

// pad keeps appended structures on even offsets as TIFF requires.
func (b *block) pad() {
	if len(b.buf)%2 == 1 {
		b.buf = append(b.buf, 0)
	}
}

func (b *block) appendValue(data []byte) uint32 {
	b.pad()
	off := len(b.buf)
	b.buf = append(b.buf, data...)
	return uint32(off)
}

// appendDirectory writes entries plus extra values as a new directory at the
// end of the block, sorted by tag, and returns its offset.
func (b *block) appendDirectory(entries []Entry, extra []tagValue, next uint32) (uint32, error) {
	n := len(entries) + len(extra)
	if n > 0xFFFF {
		return 0, layoutErr("directory would hold %d entries", n)
	}
	b.pad()
	dirOff := len(b.buf)
	b.buf = append(b.buf, make([]byte, 2+entryLen*n+4)...)

	all := make([]Entry, 0, n)
	all = append(all, entries...)
	for _, v := range extra {
		e := Entry{Tag: v.tag, Type: v.typ, Count: uint32(len(v.data) / v.typ.Size())}
		if len(v.data) <= 4 {
			copy(e.Value[:], v.data)
		} else {
			b.order.PutUint32(e.Value[:], b.appendValue(v.data))
		}
		all = append(all, e)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Tag < all[j].Tag })

	b.order.PutUint16(b.buf[dirOff:], uint16(n))
	for i, e := range all {
		b.writeEntry(dirOff+2+entryLen*i, e)
	}
	b.order.PutUint32(b.buf[dirOff+2+entryLen*n:], next)
	return uint32(dirOff), nil
}

// overlaps reports whether [start,end) is referenced by any entry in dirs
// other than the entry at (skipDir, skipIdx).
func (b *block) overlaps(start, end uint64, dirs []*directory, skipDir *directory, skipIdx int) bool {
	for _, d := range dirs {
		for i, e := range d.entries {
			if d == skipDir && i == skipIdx {
				continue
			}
			s, en, inline, err := b.valueRange(e)
			if err != nil || inline {
				continue
			}
			if s < end && start < en {
				return true
			}
		}
	}
	return false
}

func (d *directory) end() uint64 {
	return uint64(d.offset) + 2 + uint64(entryLen*len(d.entries)) + 4
}

// insideDirectory reports whether [start,end) overlaps the entry table of
// any directory in dirs.
func insideDirectory(start, end uint64, dirs []*directory) bool {
	for _, d := range dirs {
		if start < d.end() && uint64(d.offset) < end {
			return true
		}
	}
	return false
}

// setValue stores data as the value of entry idx in d. A value of the same
// length and type is overwritten where it is; anything else is appended and
// the entry repointed.
func (b *block) setValue(d *directory, idx int, data []byte, dirs []*directory) error {
	e := d.entries[idx]
	if e.Type == TypeASCII && int(e.Count) == len(data) {
		start, end, inline, err := b.valueRange(e)
		if err != nil {
			return err
		}
		if inline {
			copy(b.buf[d.entryOffset(idx)+8:], data)
			copy(d.entries[idx].Value[:], data)
			return nil
		}
		if insideDirectory(start, end, dirs) {
			return layoutErr("tag 0x%04X value at %d overlaps a directory", e.Tag, start)
		}
		if bytes.Equal(b.buf[start:end], data) {
			return nil
		}
		if !b.overlaps(start, end, dirs, d, idx) {
			copy(b.buf[start:end], data)
			return nil
		}
	}
	e.Type = TypeASCII
	e.Count = uint32(len(data))
	if len(data) <= 4 {
		e.Value = [4]byte{}
		copy(e.Value[:], data)
	} else {
		b.order.PutUint32(e.Value[:], b.appendValue(data))
	}
	d.entries[idx] = e
	b.writeEntry(d.entryOffset(idx), e)
	return nil
}

// PatchDates returns a copy of the TIFF body src with DateTimeOriginal and
// DateTimeDigitized set. src is never modified. Patching a block that
// already holds the same values returns identical bytes.
func PatchDates(src []byte, taken, digitized timestamp.Timestamp) ([]byte, error) {
	parsed, ifd0Off, err := parseHeader(src)
	if err != nil {
		return nil, err
	}
	b := &block{buf: append([]byte(nil), src...), order: parsed.order}
	ifd0, err := b.readDirectory(ifd0Off)
	if err != nil {
		return nil, err
	}
	values := []tagValue{
		{tag: TagDateTimeOriginal, typ: TypeASCII, data: taken.EXIF()},
		{tag: TagDateTimeDigitized, typ: TypeASCII, data: digitized.EXIF()},
	}

	ptrIdx, err := ifd0.find(TagExifIFDPointer)
	if err != nil {
		return nil, err
	}
	if ptrIdx < 0 {
		exifOff, err := b.appendDirectory(nil, values, 0)
		if err != nil {
			return nil, err
		}
		ptr := Entry{Tag: TagExifIFDPointer, Type: TypeLong, Count: 1}
		b.order.PutUint32(ptr.Value[:], exifOff)
		newIFD0, err := b.appendDirectory(append(append([]Entry(nil), ifd0.entries...), ptr), nil, ifd0.next)
		if err != nil {
			return nil, err
		}
		b.order.PutUint32(b.buf[4:8], newIFD0)
		return b.buf, nil
	}

	ptr := ifd0.entries[ptrIdx]
	if (ptr.Type != TypeLong && ptr.Type != TypeIFD) || ptr.Count != 1 {
		return nil, layoutErr("exif pointer has type %d count %d", ptr.Type, ptr.Count)
	}
	exifDir, err := b.readDirectory(b.order.Uint32(ptr.Value[:]))
	if err != nil {
		return nil, err
	}
	dirs := []*directory{ifd0, exifDir}
	var missing []tagValue
	for _, v := range values {
		idx, err := exifDir.find(v.tag)
		if err != nil {
			return nil, err
		}
		if idx < 0 {
			missing = append(missing, v)
			continue
		}
		if err := b.setValue(exifDir, idx, v.data, dirs); err != nil {
			return nil, err
		}
	}
	if len(missing) > 0 {
		newOff, err := b.appendDirectory(exifDir.entries, missing, exifDir.next)
		if err != nil {
			return nil, err
		}
		b.order.PutUint32(b.buf[ifd0.entryOffset(ptrIdx)+8:], newOff)
	}
	return b.buf, nil
}

// Build synthesizes a minimal big-endian TIFF body holding an Exif IFD with
// the version and both date fields.
func Build(taken, digitized timestamp.Timestamp) []byte {
	b := &block{
		buf:   []byte{'M', 'M', 0, tiffMagic, 0, 0, 0, tiffHeaderLen},
		order: binary.BigEndian,
	}
	// Neither call can exceed the entry limit.
	ifd0, _ := b.appendDirectory([]Entry{{Tag: TagExifIFDPointer, Type: TypeLong, Count: 1}}, nil, 0)
	exifOff, _ := b.appendDirectory(nil, []tagValue{
		{tag: TagExifVersion, typ: TypeUndefined, data: []byte("0232")},
		{tag: TagDateTimeOriginal, typ: TypeASCII, data: taken.EXIF()},
		{tag: TagDateTimeDigitized, typ: TypeASCII, data: digitized.EXIF()},
	}, 0)
	b.order.PutUint32(b.buf[int(ifd0)+2+8:], exifOff)
	return b.buf
}

// Dates holds the raw date strings found in a block; empty when absent.
type Dates struct {
	Original  string
	Digitized string
	DateTime  string
}

// ReadDates returns the date fields of the TIFF body buf.
func ReadDates(buf []byte) (Dates, error) {
	var out Dates
	b, ifd0Off, err := parseHeader(buf)
	if err != nil {
		return out, err
	}
	ifd0, err := b.readDirectory(ifd0Off)
	if err != nil {
		return out, err
	}
	if out.DateTime, err = b.asciiValue(ifd0, TagDateTime); err != nil {
		return out, err
	}
	ptrIdx, err := ifd0.find(TagExifIFDPointer)
	if err != nil || ptrIdx < 0 {
		return out, err
	}
	exifDir, err := b.readDirectory(b.order.Uint32(ifd0.entries[ptrIdx].Value[:]))
	if err != nil {
		return out, err
	}
	if out.Original, err = b.asciiValue(exifDir, TagDateTimeOriginal); err != nil {
		return out, err
	}
	if out.Digitized, err = b.asciiValue(exifDir, TagDateTimeDigitized); err != nil {
		return out, err
	}
	return out, nil
}

func (b *block) asciiValue(d *directory, tag uint16) (string, error) {
	idx, err := d.find(tag)
	if err != nil || idx < 0 {
		return "", err
	}
	raw, err := b.value(d.entries[idx])
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(raw, "\x00 ")), nil
}
