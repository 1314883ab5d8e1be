// Package pairing finds the image each exported sidecar describes.
package pairing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/ubuntu/decorate"
	"golang.org/x/text/unicode/norm"

	"example.com/photodate/internal/common"
	"example.com/photodate/internal/sidecar"
)

// Filepair links a sidecar document to the image it describes.
type Filepair struct {
	Sidecar string `json:"sidecar"`
	Image   string `json:"image"`
}

// Reasons a sidecar is left unpaired.
const (
	ReasonAlbum    = "album metadata"
	ReasonNoTitle  = "no title"
	ReasonNotFound = "image not found"
	ReasonInvalid  = "invalid sidecar"
)

// Unmatched is a sidecar that produced no pair.
type Unmatched struct {
	Sidecar string `json:"sidecar"`
	Title   string `json:"title,omitempty"`
	Reason  string `json:"reason"`
}

// Result is the outcome of walking one tree. All slices are sorted.
type Result struct {
	Pairs     []Filepair  `json:"pairs"`
	Unmatched []Unmatched `json:"unmatched"`
	// Orphans are media files no sidecar resolved to.
	Orphans []string `json:"orphans"`
}

var (
	numberedSuffix = regexp.MustCompile(`_(\d+)$`)
	quoteReplacer  = strings.NewReplacer("'", "_", "\"", "_")

	mediaExtensions = map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
		".tiff": true, ".tif": true, ".webp": true, ".heic": true, ".heif": true,
		".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".m4v": true,
		".3gp": true, ".mpg": true, ".mpeg": true, ".mts": true, ".m2ts": true,
		".cr2": true, ".nef": true, ".arw": true, ".dng": true, ".orf": true,
	}
)

// truncateLengths are the base-name lengths exports are known to cut titles
// to, most common first.
var truncateLengths = []int{48, 47, 46}

// IsMedia reports whether name has a photo or video extension.
func IsMedia(name string) bool {
	return mediaExtensions[strings.ToLower(filepath.Ext(name))]
}

// IsSidecarName reports whether name looks like a sidecar document.
func IsSidecarName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".json")
}

func isAlbumName(name string) bool {
	return strings.EqualFold(name, "metadata.json")
}

// Candidates returns the file names title may have been exported under, in
// the order they should be tried.
func Candidates(title string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	add(title)
	add(norm.NFC.String(title))
	add(norm.NFD.String(title))

	ext := filepath.Ext(title)
	base := strings.TrimSuffix(title, ext)
	runes := []rune(base)
	for _, n := range truncateLengths {
		if len(runes) > n {
			add(string(runes[:n]) + ext)
		}
	}
	if m := numberedSuffix.FindStringSubmatch(base); m != nil {
		add(fmt.Sprintf("%s(%s)%s", strings.TrimSuffix(base, m[0]), m[1], ext))
	}
	if strings.ContainsAny(title, "'\"") {
		add(quoteReplacer.Replace(title))
	}
	add(base + strings.ToLower(ext))
	add(base + strings.ToUpper(ext))
	return out
}

// match returns the first candidate of title present in names.
func match(names map[string]bool, title string) (string, bool) {
	for _, c := range Candidates(title) {
		if names[c] {
			return c, true
		}
	}
	return "", false
}

func listDir(dir string) (names map[string]bool, subdirs []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	names = make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			subdirs = append(subdirs, filepath.Join(dir, e.Name()))
			continue
		}
		names[e.Name()] = true
	}
	return names, subdirs, nil
}

// Resolve finds the image in dir that title names.
func Resolve(dir, title string) (path string, err error) {
	defer decorate.OnError(&err, "resolve %q in %s", title, dir)

	names, _, err := listDir(dir)
	if err != nil {
		return "", err
	}
	name, ok := match(names, title)
	if !ok {
		return "", os.ErrNotExist
	}
	return filepath.Join(dir, name), nil
}

// Pair loads one sidecar and resolves its image.
func Pair(sidecarPath string) (Filepair, *Unmatched) {
	dir := filepath.Dir(sidecarPath)
	names, _, err := listDir(dir)
	if err != nil {
		return Filepair{}, &Unmatched{Sidecar: sidecarPath, Reason: ReasonNotFound}
	}
	return pairIn(dir, names, sidecarPath)
}

func pairIn(dir string, names map[string]bool, sidecarPath string) (Filepair, *Unmatched) {
	if isAlbumName(filepath.Base(sidecarPath)) {
		return Filepair{}, &Unmatched{Sidecar: sidecarPath, Reason: ReasonAlbum}
	}
	rec, err := sidecar.Load(sidecarPath)
	if err != nil {
		common.Logf("skipping sidecar: %v", err)
		return Filepair{}, &Unmatched{Sidecar: sidecarPath, Reason: ReasonInvalid}
	}
	title := rec.Title()
	if title == "" {
		return Filepair{}, &Unmatched{Sidecar: sidecarPath, Reason: ReasonNoTitle}
	}
	if !rec.IsPhotoSidecar() {
		return Filepair{}, &Unmatched{Sidecar: sidecarPath, Title: title, Reason: ReasonAlbum}
	}
	name, ok := match(names, title)
	if !ok || IsSidecarName(name) {
		return Filepair{}, &Unmatched{Sidecar: sidecarPath, Title: title, Reason: ReasonNotFound}
	}
	return Filepair{Sidecar: sidecarPath, Image: filepath.Join(dir, name)}, nil
}

// Walk pairs every sidecar under root. Directories are visited with an
// explicit stack so depth does not grow the call stack. Unreadable
// subdirectories are logged and skipped.
func Walk(ctx context.Context, root string) (res Result, err error) {
	defer decorate.OnError(&err, "walk %s", root)

	if _, err := os.Stat(root); err != nil {
		return Result{}, err
	}
	paired := make(map[string]bool)
	var media []string

	stack := []string{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		names, subdirs, err := listDir(dir)
		if err != nil {
			if dir == root {
				return Result{}, err
			}
			common.Logf("skipping directory %s: %v", dir, err)
			continue
		}
		stack = append(stack, subdirs...)

		for name := range names {
			switch {
			case IsSidecarName(name):
				pair, miss := pairIn(dir, names, filepath.Join(dir, name))
				if miss != nil {
					res.Unmatched = append(res.Unmatched, *miss)
					continue
				}
				res.Pairs = append(res.Pairs, pair)
				paired[pair.Image] = true
			case IsMedia(name):
				media = append(media, filepath.Join(dir, name))
			}
		}
	}

	for _, m := range media {
		if !paired[m] {
			res.Orphans = append(res.Orphans, m)
		}
	}
	sort.Slice(res.Pairs, func(i, j int) bool {
		if res.Pairs[i].Image != res.Pairs[j].Image {
			return res.Pairs[i].Image < res.Pairs[j].Image
		}
		return res.Pairs[i].Sidecar < res.Pairs[j].Sidecar
	})
	sort.Slice(res.Unmatched, func(i, j int) bool { return res.Unmatched[i].Sidecar < res.Unmatched[j].Sidecar })
	sort.Strings(res.Orphans)
	return res, nil
}

// FindSidecar looks in the image's directory for a sidecar that resolves to
// imagePath.
func FindSidecar(imagePath string) (Filepair, bool) {
	dir := filepath.Dir(imagePath)
	names, _, err := listDir(dir)
	if err != nil {
		return Filepair{}, false
	}
	want := filepath.Base(imagePath)
	// Try the conventional names first to avoid decoding every sidecar.
	for _, guess := range []string{want + ".json", want + ".supplemental-metadata.json"} {
		if names[guess] {
			if pair, miss := pairIn(dir, names, filepath.Join(dir, guess)); miss == nil && filepath.Base(pair.Image) == want {
				return pair, true
			}
		}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		if IsSidecarName(name) && !isAlbumName(name) {
			sorted = append(sorted, name)
		}
	}
	sort.Strings(sorted)
	for _, name := range sorted {
		if pair, miss := pairIn(dir, names, filepath.Join(dir, name)); miss == nil && filepath.Base(pair.Image) == want {
			return pair, true
		}
	}
	return Filepair{}, false
}
