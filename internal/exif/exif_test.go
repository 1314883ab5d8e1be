package exif

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	goexif "github.com/rwcarlsen/goexif/exif"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/photodate/internal/common"
	"example.com/photodate/internal/timestamp"
)

const (
	tagMake         uint16 = 0x010F
	tagModel        uint16 = 0x0110
	tagExposureTime uint16 = 0x829A
)

type testEntry struct {
	tag   uint16
	typ   DataType
	count uint32
	data  []byte
}

func ascii(s string, count int) []byte {
	b := make([]byte, count)
	copy(b, s)
	return b
}

func rational(order binary.ByteOrder, num, den uint32) []byte {
	b := make([]byte, 8)
	order.PutUint32(b, num)
	order.PutUint32(b[4:], den)
	return b
}

// layoutTIFF writes a header, IFD0, an optional Exif IFD and then the
// out-of-line values in entry order.
func layoutTIFF(order binary.ByteOrder, ifd0, exifIFD []testEntry, withExif bool) []byte {
	if withExif {
		ifd0 = append(append([]testEntry(nil), ifd0...), testEntry{tag: TagExifIFDPointer, typ: TypeLong, count: 1})
	}
	ifd0Size := 2 + entryLen*len(ifd0) + 4
	exifOff := tiffHeaderLen + ifd0Size
	end := exifOff
	if withExif {
		end += 2 + entryLen*len(exifIFD) + 4
	}
	buf := make([]byte, end)
	if order == binary.ByteOrder(binary.LittleEndian) {
		copy(buf, "II")
	} else {
		copy(buf, "MM")
	}
	order.PutUint16(buf[2:], tiffMagic)
	order.PutUint32(buf[4:], tiffHeaderLen)

	writeDir := func(off int, entries []testEntry) {
		order.PutUint16(buf[off:], uint16(len(entries)))
		for i, e := range entries {
			p := off + 2 + entryLen*i
			order.PutUint16(buf[p:], e.tag)
			order.PutUint16(buf[p+2:], uint16(e.typ))
			order.PutUint32(buf[p+4:], e.count)
			switch {
			case e.tag == TagExifIFDPointer && withExif:
				order.PutUint32(buf[p+8:], uint32(exifOff))
			case len(e.data) <= 4:
				copy(buf[p+8:p+12], e.data)
			default:
				order.PutUint32(buf[p+8:], uint32(len(buf)))
				buf = append(buf, e.data...)
				if len(buf)%2 == 1 {
					buf = append(buf, 0)
				}
			}
		}
	}
	writeDir(tiffHeaderLen, ifd0)
	if withExif {
		writeDir(exifOff, exifIFD)
	}
	return buf
}

func mustTS(t *testing.T, s string) timestamp.Timestamp {
	t.Helper()
	ts, err := timestamp.ParseEXIF(s)
	require.NoError(t, err)
	return ts
}

func cameraTIFF(order binary.ByteOrder, dto, dtd testEntry) []byte {
	return layoutTIFF(order,
		[]testEntry{{tag: tagMake, typ: TypeASCII, count: 6, data: ascii("Canon", 6)}},
		[]testEntry{
			{tag: tagExposureTime, typ: TypeRational, count: 1, data: rational(order, 1, 125)},
			dto,
			dtd,
		}, true)
}

func dateEntry(tag uint16, value string) testEntry {
	return testEntry{tag: tag, typ: TypeASCII, count: 20, data: ascii(value, 20)}
}

func locate(t *testing.T, buf []byte) (*block, *directory, *directory) {
	t.Helper()
	b, off, err := parseHeader(buf)
	require.NoError(t, err)
	ifd0, err := b.readDirectory(off)
	require.NoError(t, err)
	idx, err := ifd0.find(TagExifIFDPointer)
	require.NoError(t, err)
	if idx < 0 {
		return b, ifd0, nil
	}
	exifDir, err := b.readDirectory(b.order.Uint32(ifd0.entries[idx].Value[:]))
	require.NoError(t, err)
	return b, ifd0, exifDir
}

func TestBuild(t *testing.T) {
	taken := mustTS(t, "2021:01:01 00:00:00")
	digitized := mustTS(t, "2021:02:01 12:30:00")
	tiff := Build(taken, digitized)

	assert.Len(t, tiff, 108)
	assert.Equal(t, []byte("MM\x00\x2a\x00\x00\x00\x08"), tiff[:8])

	dates, err := ReadDates(tiff)
	require.NoError(t, err)
	assert.Equal(t, "2021:01:01 00:00:00", dates.Original)
	assert.Equal(t, "2021:02:01 12:30:00", dates.Digitized)
	assert.Empty(t, dates.DateTime)

	_, _, exifDir := locate(t, tiff)
	require.NotNil(t, exifDir)
	require.Len(t, exifDir.entries, 3)
	assert.Equal(t, TagExifVersion, exifDir.entries[0].Tag)
	assert.Equal(t, []byte("0232"), exifDir.entries[0].Value[:])

	x, err := goexif.Decode(bytes.NewReader(tiff))
	require.NoError(t, err)
	tag, err := x.Get(goexif.DateTimeOriginal)
	require.NoError(t, err)
	s, err := tag.StringVal()
	require.NoError(t, err)
	assert.Equal(t, "2021:01:01 00:00:00", s)
}

func TestPatchInPlace(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(order.String(), func(t *testing.T) {
			src := cameraTIFF(order,
				dateEntry(TagDateTimeOriginal, "2000:01:01 00:00:00"),
				dateEntry(TagDateTimeDigitized, "2000:01:02 00:00:00"))
			orig := bytes.Clone(src)
			taken := mustTS(t, "2021:01:01 00:00:00")
			digitized := mustTS(t, "2021:01:01 08:15:00")

			out, err := PatchDates(src, taken, digitized)
			require.NoError(t, err)
			assert.Equal(t, orig, src, "input must not change")
			require.Len(t, out, len(src))

			b, _, exifDir := locate(t, src)
			want := bytes.Clone(src)
			copy(want[b.order.Uint32(exifDir.entries[1].Value[:]):], taken.EXIF())
			copy(want[b.order.Uint32(exifDir.entries[2].Value[:]):], digitized.EXIF())
			assert.Equal(t, want, out)

			dates, err := ReadDates(out)
			require.NoError(t, err)
			assert.Equal(t, "2021:01:01 00:00:00", dates.Original)
			assert.Equal(t, "2021:01:01 08:15:00", dates.Digitized)
		})
	}
}

func TestPatchRelocatesDifferentLength(t *testing.T) {
	src := cameraTIFF(binary.LittleEndian,
		testEntry{tag: TagDateTimeOriginal, typ: TypeASCII, count: 11, data: ascii("2000:01:01", 11)},
		testEntry{tag: TagDateTimeDigitized, typ: TypeUndefined, count: 20, data: ascii("2000:01:01 00:00:00", 20)})
	taken := mustTS(t, "2021:01:01 00:00:00")

	out, err := PatchDates(src, taken, taken)
	require.NoError(t, err)
	require.Greater(t, len(out), len(src))

	_, _, oldExif := locate(t, src)
	b, _, exifDir := locate(t, out)
	for i := 1; i <= 2; i++ {
		e := exifDir.entries[i]
		assert.Equal(t, TypeASCII, e.Type)
		assert.EqualValues(t, 20, e.Count)
		off := b.order.Uint32(e.Value[:])
		assert.GreaterOrEqual(t, int(off), len(src))
		assert.Zero(t, off%2)
	}

	// Only the two rewritten entries differ inside the original span.
	want := bytes.Clone(src)
	copy(want[oldExif.entryOffset(1):], out[oldExif.entryOffset(1):oldExif.entryOffset(3)])
	assert.Equal(t, want, out[:len(src)])

	dates, err := ReadDates(out)
	require.NoError(t, err)
	assert.Equal(t, "2021:01:01 00:00:00", dates.Original)
	assert.Equal(t, "2021:01:01 00:00:00", dates.Digitized)

	x, err := goexif.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	tag, err := x.Get(goexif.ExposureTime)
	require.NoError(t, err)
	num, den, err := tag.Rat2(0)
	require.NoError(t, err)
	assert.Equal(t, [2]int64{1, 125}, [2]int64{num, den})
}

func TestPatchAddsMissingEntries(t *testing.T) {
	src := layoutTIFF(binary.BigEndian,
		[]testEntry{{tag: tagMake, typ: TypeASCII, count: 6, data: ascii("Canon", 6)}},
		[]testEntry{
			{tag: tagExposureTime, typ: TypeRational, count: 1, data: rational(binary.BigEndian, 1, 60)},
			dateEntry(TagDateTimeDigitized, "2019:07:04 21:00:00"),
		}, true)
	taken := mustTS(t, "2019:07:04 21:00:00")

	out, err := PatchDates(src, taken, taken)
	require.NoError(t, err)

	b, ifd0, exifDir := locate(t, out)
	require.Len(t, exifDir.entries, 3)
	assert.GreaterOrEqual(t, int(exifDir.offset), len(src))
	tags := []uint16{exifDir.entries[0].Tag, exifDir.entries[1].Tag, exifDir.entries[2].Tag}
	assert.Equal(t, []uint16{tagExposureTime, TagDateTimeOriginal, TagDateTimeDigitized}, tags)

	raw, err := b.value(exifDir.entries[0])
	require.NoError(t, err)
	assert.Equal(t, rational(binary.BigEndian, 1, 60), raw)

	// Only the pointer value in IFD0 changes inside the original span.
	ptr := ifd0.entryOffset(1) + 8
	want := bytes.Clone(src)
	copy(want[ptr:ptr+4], out[ptr:ptr+4])
	assert.Equal(t, want, out[:len(src)])

	dates, err := ReadDates(out)
	require.NoError(t, err)
	assert.Equal(t, "2019:07:04 21:00:00", dates.Original)
	assert.Equal(t, "2019:07:04 21:00:00", dates.Digitized)
}

func TestPatchWithoutExifDirectory(t *testing.T) {
	src := layoutTIFF(binary.LittleEndian, []testEntry{
		{tag: tagMake, typ: TypeASCII, count: 6, data: ascii("Canon", 6)},
		{tag: tagModel, typ: TypeASCII, count: 8, data: ascii("EOS 5D", 8)},
		{tag: TagDateTime, typ: TypeASCII, count: 20, data: ascii("2000:01:01 00:00:00", 20)},
	}, nil, false)
	taken := mustTS(t, "2021:01:01 00:00:00")

	out, err := PatchDates(src, taken, taken)
	require.NoError(t, err)
	assert.Equal(t, src[8:], out[8:len(src)])

	_, ifd0, exifDir := locate(t, out)
	assert.GreaterOrEqual(t, int(ifd0.offset), len(src))
	require.Len(t, ifd0.entries, 4)
	require.NotNil(t, exifDir)
	require.Len(t, exifDir.entries, 2)

	dates, err := ReadDates(out)
	require.NoError(t, err)
	assert.Equal(t, "2021:01:01 00:00:00", dates.Original)
	assert.Equal(t, "2000:01:01 00:00:00", dates.DateTime)

	x, err := goexif.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	model, err := x.Get(goexif.Model)
	require.NoError(t, err)
	s, err := model.StringVal()
	require.NoError(t, err)
	assert.Equal(t, "EOS 5D", s[:6])
}

func TestPatchKeepsSharedValues(t *testing.T) {
	src := layoutTIFF(binary.BigEndian,
		[]testEntry{dateEntry(TagDateTime, "2000:01:01 00:00:00")},
		[]testEntry{
			dateEntry(TagDateTimeOriginal, "2000:01:01 00:00:00"),
			dateEntry(TagDateTimeDigitized, "2000:01:01 00:00:00"),
		}, true)
	b, ifd0, exifDir := locate(t, src)
	// Point both date entries at the IFD0 DateTime value.
	shared := ifd0.entries[0].Value[:]
	copy(src[exifDir.entryOffset(0)+8:], shared)
	copy(src[exifDir.entryOffset(1)+8:], shared)
	require.Equal(t, b.order.Uint32(shared), b.order.Uint32(src[exifDir.entryOffset(1)+8:]))

	taken := mustTS(t, "2021:01:01 00:00:00")
	digitized := mustTS(t, "2021:06:01 00:00:00")
	out, err := PatchDates(src, taken, digitized)
	require.NoError(t, err)

	dates, err := ReadDates(out)
	require.NoError(t, err)
	assert.Equal(t, "2021:01:01 00:00:00", dates.Original)
	assert.Equal(t, "2021:06:01 00:00:00", dates.Digitized)
	assert.Equal(t, "2000:01:01 00:00:00", dates.DateTime)
}

func TestPatchIdempotent(t *testing.T) {
	le := binary.LittleEndian
	fixtures := map[string][]byte{
		"in place": cameraTIFF(le,
			dateEntry(TagDateTimeOriginal, "2000:01:01 00:00:00"),
			dateEntry(TagDateTimeDigitized, "2000:01:01 00:00:00")),
		"relocated": cameraTIFF(le,
			testEntry{tag: TagDateTimeOriginal, typ: TypeASCII, count: 11, data: ascii("2000:01:01", 11)},
			dateEntry(TagDateTimeDigitized, "2000:01:01 00:00:00")),
		"missing entries": layoutTIFF(le, nil, []testEntry{
			{tag: tagExposureTime, typ: TypeRational, count: 1, data: rational(le, 1, 30)},
		}, true),
		"missing exif": layoutTIFF(le, []testEntry{
			{tag: tagMake, typ: TypeASCII, count: 6, data: ascii("Canon", 6)},
		}, nil, false),
		"built": Build(mustTS(t, "1999:12:31 23:59:59"), mustTS(t, "1999:12:31 23:59:59")),
	}
	taken := mustTS(t, "2021:01:01 00:00:00")
	digitized := mustTS(t, "2021:01:02 00:00:00")
	for name, src := range fixtures {
		t.Run(name, func(t *testing.T) {
			first, err := PatchDates(src, taken, digitized)
			require.NoError(t, err)
			second, err := PatchDates(first, taken, digitized)
			require.NoError(t, err)
			assert.Equal(t, first, second)
		})
	}
}

func TestPatchRejectsBadLayouts(t *testing.T) {
	base := func() []byte {
		return cameraTIFF(binary.LittleEndian,
			dateEntry(TagDateTimeOriginal, "2000:01:01 00:00:00"),
			dateEntry(TagDateTimeDigitized, "2000:01:01 00:00:00"))
	}
	// IFD0 holds Make then the Exif pointer; the Exif IFD follows it.
	const ptrEntry = tiffHeaderLen + 2 + entryLen
	const exifDir = tiffHeaderLen + 2 + 2*entryLen + 4
	const dtoEntry = exifDir + 2 + entryLen

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"short header", func(b []byte) []byte { return b[:6] }},
		{"bad byte order", func(b []byte) []byte { copy(b, "XX"); return b }},
		{"bad magic", func(b []byte) []byte { b[2] = 43; return b }},
		{"ifd0 out of range", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[4:], uint32(len(b)+10))
			return b
		}},
		{"ifd0 inside header", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[4:], 2); return b }},
		{"truncated directory", func(b []byte) []byte { return b[:20] }},
		{"exif pointer type", func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[ptrEntry+2:], uint16(TypeShort))
			return b
		}},
		{"exif pointer out of range", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[ptrEntry+8:], 0xFFFFFF00)
			return b
		}},
		{"date value out of range", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[dtoEntry+8:], uint32(len(b)-4))
			return b
		}},
		{"date value inside header", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[dtoEntry+8:], 0)
			return b
		}},
		{"date value inside ifd0", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[dtoEntry+8:], tiffHeaderLen)
			return b
		}},
		{"date value inside exif directory", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[dtoEntry+8:], exifDir)
			return b
		}},
		{"duplicate date tag", func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[dtoEntry+entryLen:], TagDateTimeOriginal)
			return b
		}},
	}
	taken := mustTS(t, "2021:01:01 00:00:00")
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src := tc.mutate(base())
			orig := bytes.Clone(src)
			out, err := PatchDates(src, taken, taken)
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrUnsupportedDirectoryLayout), err.Error())
			assert.Nil(t, out)
			assert.Equal(t, orig, src)
		})
	}
}

func TestDataTypeSize(t *testing.T) {
	assert.Equal(t, 1, TypeASCII.Size())
	assert.Equal(t, 2, TypeShort.Size())
	assert.Equal(t, 4, TypeLong.Size())
	assert.Equal(t, 8, TypeRational.Size())
	assert.Equal(t, 0, DataType(99).Size())
}
