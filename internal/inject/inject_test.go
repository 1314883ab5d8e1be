package inject

import (
	"bytes"
	"testing"

	goexif "github.com/rwcarlsen/goexif/exif"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/photodate/internal/common"
	"example.com/photodate/internal/detect"
	"example.com/photodate/internal/exif"
	"example.com/photodate/internal/jpeg"
	"example.com/photodate/internal/png"
	"example.com/photodate/internal/samples"
	"example.com/photodate/internal/sidecar"
	"example.com/photodate/internal/timestamp"
)

const newYear = `{"photoTakenTime":{"timestamp":"1609459200"},"creationTime":{"timestamp":"1609459200"}}`

func record(t *testing.T, doc string) sidecar.Record {
	t.Helper()
	rec, err := sidecar.Parse([]byte(doc))
	require.NoError(t, err)
	return rec
}

func originalDate(t *testing.T, buf []byte) string {
	t.Helper()
	x, err := goexif.Decode(bytes.NewReader(buf))
	require.NoError(t, err)
	tag, err := x.Get(goexif.DateTimeOriginal)
	require.NoError(t, err)
	s, err := tag.StringVal()
	require.NoError(t, err)
	return s
}

func TestRestoreNewMetadata(t *testing.T) {
	raw, err := samples.JPEG()
	require.NoError(t, err)
	pristine := append([]byte(nil), raw...)

	first, dates, err := Restore(raw, detect.KindJPEG, record(t, newYear))
	require.NoError(t, err)
	assert.Equal(t, "2021:01:01 00:00:00", dates.Taken.String())
	assert.Equal(t, timestamp.SourceEpoch, dates.TakenSource)
	assert.Equal(t, "2021:01:01 00:00:00", originalDate(t, first))
	assert.Equal(t, pristine, raw)

	second, _, err := Restore(first, detect.KindJPEG, record(t, newYear))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRestorePNG(t *testing.T) {
	raw, err := samples.PNG()
	require.NoError(t, err)

	first, _, err := Restore(raw, detect.KindPNG, record(t, newYear))
	require.NoError(t, err)
	chunks, err := png.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		png.KeyTaken:     "2021:01:01 00:00:00",
		png.KeyDigitized: "2021:01:01 00:00:00",
	}, png.Dates(chunks))

	second, _, err := Restore(first, detect.KindPNG, record(t, newYear))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRestoreMissingCreationTime(t *testing.T) {
	raw, err := samples.JPEG()
	require.NoError(t, err)
	pristine := append([]byte(nil), raw...)

	out, _, err := Restore(raw, detect.KindJPEG, record(t, `{"photoTakenTime":{"timestamp":"1609459200"}}`))
	require.ErrorIs(t, err, common.ErrMissingField)
	assert.Nil(t, out)
	assert.Equal(t, pristine, raw)
}

func TestInjectTruncated(t *testing.T) {
	raw, err := samples.JPEG()
	require.NoError(t, err)
	ts, err := timestamp.New(2021, 1, 1, 0, 0, 0)
	require.NoError(t, err)

	_, err = Inject(raw[:30], detect.KindJPEG, ts, ts)
	require.ErrorIs(t, err, common.ErrFormat)
}

func TestInjectRelocatesShorterDate(t *testing.T) {
	old, err := timestamp.New(2000, 1, 1, 0, 0, 0)
	require.NoError(t, err)
	camera, err := samples.CameraJPEG(old)
	require.NoError(t, err)

	// Shorten DateTimeOriginal's count to 19 so the new value no longer fits.
	segs, err := jpeg.Parse(camera)
	require.NoError(t, err)
	require.Equal(t, jpeg.MarkerAPP1, segs[1].Marker)
	countAt := len(exif.Header) + 40 + 4
	require.Equal(t, []byte{0, 0, 0, 20}, segs[1].Payload[countAt:countAt+4])
	segs[1].Payload[countAt+3] = 19
	camera, err = jpeg.Serialize(segs)
	require.NoError(t, err)

	taken, err := timestamp.New(2021, 1, 1, 0, 0, 0)
	require.NoError(t, err)
	out, err := Inject(camera, detect.KindJPEG, taken, taken)
	require.NoError(t, err)
	assert.Greater(t, len(out), len(camera))
	assert.Equal(t, "2021:01:01 00:00:00", originalDate(t, out))

	segs, err = jpeg.Parse(out)
	require.NoError(t, err)
	body, ok := jpeg.ExifBody(segs)
	require.True(t, ok)
	dates, err := exif.ReadDates(body)
	require.NoError(t, err)
	assert.Equal(t, "2021:01:01 00:00:00", dates.Original)
	assert.Equal(t, "2021:01:01 00:00:00", dates.Digitized)

	again, err := Inject(out, detect.KindJPEG, taken, taken)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestInjectUnsupported(t *testing.T) {
	ts, err := timestamp.New(2021, 1, 1, 0, 0, 0)
	require.NoError(t, err)

	for _, kind := range []detect.Kind{detect.KindGIF, detect.KindUnknown, detect.KindVideo} {
		t.Run(kind.String(), func(t *testing.T) {
			out, err := Inject([]byte("GIF89a"), kind, ts, ts)
			require.ErrorIs(t, err, common.ErrUnsupportedContainer)
			assert.Nil(t, out)
		})
	}
}

func TestInjectWrongKind(t *testing.T) {
	raw, err := samples.PNG()
	require.NoError(t, err)
	ts, err := timestamp.New(2021, 1, 1, 0, 0, 0)
	require.NoError(t, err)

	_, err = Inject(raw, detect.KindJPEG, ts, ts)
	require.ErrorIs(t, err, common.ErrFormat)
}
