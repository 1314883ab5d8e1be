// Package sidecar decodes the JSON documents exported next to each photo.
package sidecar

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ubuntu/decorate"
)

// Record is an immutable decoded sidecar document.
type Record struct {
	root map[string]any
}

// Parse decodes a sidecar document. Numbers are kept as json.Number so epoch
// values keep their exact digits.
func Parse(data []byte) (rec Record, err error) {
	defer decorate.OnError(&err, "parse sidecar")

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return Record{}, err
	}
	if root == nil {
		return Record{}, errors.New("document is not an object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Record{}, errors.New("trailing data after document")
	}
	return Record{root: root}, nil
}

// Load reads and decodes the sidecar at path.
func Load(path string) (rec Record, err error) {
	defer decorate.OnError(&err, "load sidecar %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	return Parse(data)
}

// Lookup walks nested objects along path.
func (r Record) Lookup(path ...string) (any, bool) {
	if r.root == nil {
		return nil, false
	}
	var cur any = r.root
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the value at path rendered as a string. Numbers are
// returned in their original JSON spelling.
func (r Record) String(path ...string) (string, bool) {
	v, ok := r.Lookup(path...)
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		return fmt.Sprintf("%t", val), true
	default:
		return "", false
	}
}

// Title returns the exported file name recorded in the sidecar.
func (r Record) Title() string {
	s, _ := r.String("title")
	return strings.TrimSpace(s)
}

// IsPhotoSidecar reports whether the document looks like a per-photo record
// rather than an album metadata.json.
func (r Record) IsPhotoSidecar() bool {
	if r.Title() == "" {
		return false
	}
	_, taken := r.Lookup("photoTakenTime")
	_, created := r.Lookup("creationTime")
	return taken || created
}
