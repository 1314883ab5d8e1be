// Package manifest records the SHA-256 of every file a run wrote so the
// result can be checked later.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ubuntu/decorate"

	"example.com/photodate/internal/common"
)

type Item struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
	Type   string `json:"type"`
}

type Manifest struct {
	RunID     string    `json:"runId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ShaAlgo   string    `json:"shaAlgo"`
	Items     []Item    `json:"items"`
}

// Build hashes paths in order.
func Build(paths []string) (Manifest, error) {
	m := Manifest{CreatedAt: time.Now().UTC(), ShaAlgo: "sha256", Items: []Item{}}
	for _, p := range paths {
		hex, sz, err := common.Sha256OfFile(p)
		if err != nil {
			return m, err
		}
		m.Items = append(m.Items, Item{Path: p, Size: sz, Sha256: hex, Type: itemType(p)})
	}
	return m, nil
}

func itemType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".jpe", ".jfif":
		return "jpeg"
	case ".png":
		return "png"
	case ".json":
		return "json"
	case ".pdf":
		return "pdf"
	case ".orig":
		return "backup"
	default:
		return "other"
	}
}

// Hash returns the SHA-256 of the manifest's JSON encoding.
func Hash(m Manifest) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return common.Sha256Hex(b), nil
}

func Save(m Manifest, out string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0o644)
}

func Load(path string) (m Manifest, err error) {
	defer decorate.OnError(&err, "load manifest %s", path)
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

// Verify checks every item against the file on disk and returns one error
// per mismatch, joined.
func Verify(m Manifest) error {
	if m.ShaAlgo != "sha256" {
		return fmt.Errorf("unsupported manifest algorithm %q", m.ShaAlgo)
	}
	var errs []error
	for _, item := range m.Items {
		if strings.TrimSpace(item.Path) == "" {
			errs = append(errs, errors.New("manifest item missing path"))
			continue
		}
		hash, size, err := common.Sha256OfFile(item.Path)
		if err != nil {
			errs = append(errs, fmt.Errorf("manifest item %q: %w", item.Path, err))
			continue
		}
		if hash != item.Sha256 {
			errs = append(errs, fmt.Errorf("manifest mismatch for %s", item.Path))
		} else if size != item.Size {
			errs = append(errs, fmt.Errorf("manifest size mismatch for %s", item.Path))
		}
	}
	return errors.Join(errs...)
}
