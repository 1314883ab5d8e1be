package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchLogAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	pl := NewPatchLog(path)
	require.Equal(t, path, pl.Path())

	first := PatchEntry{RunID: "r1", Image: "a.jpg", Kind: "jpeg", BeforeSha256: "aa", AfterSha256: "bb"}
	second := PatchEntry{RunID: "r1", Image: "b.png", Kind: "png", Backup: "b.png.orig", Ts: time.Unix(10, 0).UTC()}
	require.NoError(t, pl.Append(first))
	require.NoError(t, pl.Append(second))

	entries, err := ReadPatchLog(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.jpg", entries[0].Image)
	assert.False(t, entries[0].Ts.IsZero(), "Append should stamp a missing timestamp")
	assert.Equal(t, "b.png.orig", entries[1].Backup)
	assert.True(t, entries[1].Ts.Equal(time.Unix(10, 0)))
}

func TestPatchLogRejectsInvalidEntries(t *testing.T) {
	var nilLog *PatchLog
	require.Error(t, nilLog.Append(PatchEntry{Image: "x"}))
	require.Equal(t, "", nilLog.Path())

	pl := NewPatchLog(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.Error(t, pl.Append(PatchEntry{}))
}

func TestReadPatchLogRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"image\":\"a\"}\n\nnot json\n"), 0o644))
	_, err := ReadPatchLog(path)
	require.Error(t, err)
}

func TestWriteFileAtomicKeepsMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))

	require.NoError(t, WriteFileAtomic(path, []byte("new bytes"), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new bytes", string(got))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	leftovers, err := filepath.Glob(filepath.Join(dir, ".*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	err := WriteFileAtomic(filepath.Join(t.TempDir(), "nope", "x.jpg"), []byte("x"), 0o644)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "atomic write")
}

func TestShaHelpersAgree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	data := []byte("hello")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	sum, size, err := Sha256OfFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
	assert.Equal(t, Sha256Hex(data), sum)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.jpg")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o640))
	dst := filepath.Join(dir, "nested", "dst.jpg")
	require.NoError(t, CopyFile(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: short", ErrFormat), "format"},
		{fmt.Errorf("x: %w", ErrMissingField), "missing-field"},
		{ErrMalformedTimestamp, "malformed-timestamp"},
		{ErrUnsupportedDirectoryLayout, "unsupported-directory-layout"},
		{ErrUnsupportedContainer, "unsupported-container"},
		{errors.New("disk full"), "io"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Classify(tc.err))
	}
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.SetTotalImages(4)
	m.Start()
	m.AddImage(100, "updated")
	m.AddImage(50, "unchanged")
	m.AddImage(0, "skipped")
	m.AddImage(10, "failed")
	m.Stop()

	snap := m.Snapshot()
	assert.Equal(t, int64(4), snap.Images)
	assert.Equal(t, int64(160), snap.Bytes)
	assert.Equal(t, int64(1), snap.Updated)
	assert.Equal(t, int64(1), snap.Unchanged)
	assert.Equal(t, int64(1), snap.Skipped)
	assert.Equal(t, int64(1), snap.Failed)
	assert.InDelta(t, 1.0, snap.Completion(), 1e-9)

	line := formatProgressLine(snap)
	assert.True(t, strings.HasPrefix(line, "Progress: 100.00%"), line)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.00 KiB", FormatBytes(1024))
	assert.Equal(t, "1.50 MiB", FormatBytes(1536*1024))
}
