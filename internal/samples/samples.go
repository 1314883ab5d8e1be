// Package samples builds a small deterministic Takeout-style export: images
// with their dates stripped, the sidecars describing them and the naming
// quirks pairing has to cope with.
package samples

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	stdjpeg "image/jpeg"
	stdpng "image/png"
	"os"
	"path/filepath"
	"time"

	"example.com/photodate/internal/jpeg"
	"example.com/photodate/internal/timestamp"
)

const (
	// TakenEpoch is 2021-01-01 00:00:00 UTC.
	TakenEpoch int64 = 1_609_459_200
	// CreatedEpoch is 2021-02-01 00:00:00 UTC.
	CreatedEpoch int64 = 1_612_137_600

	// AlbumDir is the directory every sample is written under.
	AlbumDir = "Takeout/Google Photos/Photos from 2021"

	formattedLayout = "Jan 2, 2006, 3:04:05 PM UTC"
	imageSize       = 16
)

// File is one generated file, relative to the output directory.
type File struct {
	Name string
	Data []byte
}

// Names used by the sample tree.
const (
	LongTitle     = "A very long holiday photo title that the export had to cut short.jpg"
	NumberedTitle = "IMG_0004_1.jpg"
	NumberedFile  = "IMG_0004(1).jpg"
	CameraFile    = "DSC_0100.jpg"
	PNGFile       = "screenshot.png"
	VideoFile     = "clip.mp4"
	OrphanTitle   = "deleted.jpg"
)

func gradient() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, imageSize, imageSize))
	for y := 0; y < imageSize; y++ {
		for x := 0; x < imageSize; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 16), G: uint8(y * 16), B: 96, A: 255})
		}
	}
	return img
}

// JPEG returns a small baseline JPEG with no metadata segments.
func JPEG() ([]byte, error) {
	var buf bytes.Buffer
	if err := stdjpeg.Encode(&buf, gradient(), &stdjpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// PNG returns a small PNG with no text chunks.
func PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := stdpng.Encode(&buf, gradient()); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// CameraJPEG returns a JPEG whose Exif block already carries dates, as a
// camera original would.
func CameraJPEG(taken timestamp.Timestamp) ([]byte, error) {
	raw, err := JPEG()
	if err != nil {
		return nil, err
	}
	return jpeg.InjectDates(raw, taken, taken)
}

// dateField renders one sidecar date sub-record.
func dateField(epoch int64) map[string]string {
	return map[string]string{
		"timestamp": fmt.Sprintf("%d", epoch),
		"formatted": time.Unix(epoch, 0).UTC().Format(formattedLayout),
	}
}

// Sidecar renders a per-photo sidecar document.
func Sidecar(title string, taken, created int64) []byte {
	doc := map[string]any{
		"title":          title,
		"description":    "",
		"imageViews":     "1",
		"creationTime":   dateField(created),
		"photoTakenTime": dateField(taken),
		"geoData": map[string]float64{
			"latitude": 0, "longitude": 0, "altitude": 0,
		},
	}
	// Marshalling plain maps cannot fail.
	data, _ := json.MarshalIndent(doc, "", "  ")
	return data
}

func album(title string) []byte {
	data, _ := json.MarshalIndent(map[string]any{
		"title":       title,
		"description": "",
		"date":        dateField(CreatedEpoch),
	}, "", "  ")
	return data
}

// Takeout builds the sample tree.
func Takeout() ([]File, error) {
	plain, err := JPEG()
	if err != nil {
		return nil, err
	}
	pngData, err := PNG()
	if err != nil {
		return nil, err
	}
	old, err := timestamp.New(2000, 1, 1, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	camera, err := CameraJPEG(old)
	if err != nil {
		return nil, err
	}

	longExt := filepath.Ext(LongTitle)
	longBase := []rune(LongTitle[:len(LongTitle)-len(longExt)])
	longFile := string(longBase[:47]) + longExt

	files := []File{
		{"IMG_0001.jpg", plain},
		{"IMG_0001.jpg.json", Sidecar("IMG_0001.jpg", TakenEpoch, CreatedEpoch)},
		{PNGFile, pngData},
		{PNGFile + ".json", Sidecar(PNGFile, TakenEpoch, CreatedEpoch)},
		{longFile, plain},
		{string([]rune(LongTitle)[:46]) + ".json", Sidecar(LongTitle, TakenEpoch, CreatedEpoch)},
		{NumberedFile, plain},
		{"IMG_0004.jpg(1).json", Sidecar(NumberedTitle, TakenEpoch, CreatedEpoch)},
		{CameraFile, camera},
		{CameraFile + ".json", Sidecar(CameraFile, TakenEpoch, CreatedEpoch)},
		{VideoFile, []byte("\x00\x00\x00\x18ftypisom\x00\x00\x02\x00isomiso2")},
		{VideoFile + ".json", Sidecar(VideoFile, TakenEpoch, CreatedEpoch)},
		{OrphanTitle + ".json", Sidecar(OrphanTitle, TakenEpoch, CreatedEpoch)},
		{"metadata.json", album("Photos from 2021")},
	}
	for i := range files {
		files[i].Name = filepath.Join(AlbumDir, files[i].Name)
	}
	return files, nil
}

// Pairs is the number of sidecars in the tree that resolve to a file.
const Pairs = 6

// WriteFiles materializes the sample tree under dir.
func WriteFiles(dir string) error {
	files, err := Takeout()
	if err != nil {
		return err
	}
	for _, f := range files {
		path := filepath.Join(dir, f.Name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := writeFileIfChanged(path, f.Data); err != nil {
			return err
		}
	}
	return nil
}

func writeFileIfChanged(path string, data []byte) error {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, data) {
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
