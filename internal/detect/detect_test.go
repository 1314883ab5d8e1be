package detect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		head []byte
		want Kind
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}, KindJPEG},
		{"png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR"), KindPNG},
		{"gif", []byte("GIF89a\x01\x00"), KindGIF},
		{"webp", []byte("RIFF\x24\x00\x00\x00WEBPVP8 "), KindWebP},
		{"heic", []byte("\x00\x00\x00\x18ftypheic\x00\x00\x00\x00"), KindHEIF},
		{"mp4", []byte("\x00\x00\x00\x18ftypisom\x00\x00\x02\x00"), KindVideo},
		{"mov", []byte("\x00\x00\x00\x08moov"), KindVideo},
		{"tiff le", []byte("II*\x00\x08\x00\x00\x00"), KindTIFF},
		{"tiff be", []byte("MM\x00*\x00\x00\x00\x08"), KindTIFF},
		{"truncated jpeg", []byte{0xFF, 0xD8}, KindUnknown},
		{"empty", nil, KindUnknown},
		{"text", []byte("hello world"), KindUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Detect(tc.head))
		})
	}
}

func TestKindHelpers(t *testing.T) {
	assert.True(t, KindJPEG.Injectable())
	assert.True(t, KindPNG.Injectable())
	assert.False(t, KindHEIF.Injectable())
	assert.False(t, KindUnknown.Injectable())
	assert.Equal(t, "jpeg", KindJPEG.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	short := filepath.Join(dir, "short.bin")
	require.NoError(t, os.WriteFile(short, []byte{0xFF, 0xD8, 0xFF}, 0o644))
	k, err := File(short)
	require.NoError(t, err)
	assert.Equal(t, KindJPEG, k)

	empty := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	k, err = File(empty)
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, k)

	_, err = File(filepath.Join(dir, "missing"))
	require.Error(t, err)
}
