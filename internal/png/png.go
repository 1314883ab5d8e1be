// Package png splits a PNG stream into CRC-checked chunks and writes the
// capture dates as tEXt chunks.
package png

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"example.com/photodate/internal/common"
	"example.com/photodate/internal/exif"
	"example.com/photodate/internal/timestamp"
)

// Signature is the fixed 8-byte PNG file header.
var Signature = []byte("\x89PNG\r\n\x1a\n")

// Text keywords carrying the two dates.
const (
	KeyTaken     = "DateTimeOriginal"
	KeyDigitized = "DateTimeDigitized"
)

const maxChunkLen = 1<<31 - 1

var (
	typeIHDR = [4]byte{'I', 'H', 'D', 'R'}
	typeIEND = [4]byte{'I', 'E', 'N', 'D'}
	typeTEXt = [4]byte{'t', 'E', 'X', 't'}
	typeEXIf = [4]byte{'e', 'X', 'I', 'f'}
)

// Chunk is one length-prefixed PNG chunk. CRC covers Type and Data.
type Chunk struct {
	Type [4]byte
	Data []byte
	CRC  uint32
}

// NewChunk builds a chunk with its checksum filled in.
func NewChunk(typ string, data []byte) Chunk {
	c := Chunk{Data: data}
	copy(c.Type[:], typ)
	c.CRC = c.checksum()
	return c
}

func (c Chunk) checksum() uint32 {
	h := crc32.NewIEEE()
	h.Write(c.Type[:])
	h.Write(c.Data)
	return h.Sum32()
}

func (c Chunk) String() string {
	return string(c.Type[:])
}

// Text returns the keyword and value of a tEXt chunk.
func (c Chunk) Text() (keyword, value string, ok bool) {
	if c.Type != typeTEXt {
		return "", "", false
	}
	i := bytes.IndexByte(c.Data, 0)
	if i < 0 {
		return "", "", false
	}
	return string(c.Data[:i]), string(c.Data[i+1:]), true
}

// TextChunk builds a tEXt chunk holding one keyword/value pair.
func TextChunk(keyword, value string) Chunk {
	data := make([]byte, 0, len(keyword)+1+len(value))
	data = append(data, keyword...)
	data = append(data, 0)
	data = append(data, value...)
	return NewChunk("tEXt", data)
}

func formatErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: png: %s", common.ErrFormat, fmt.Sprintf(format, args...))
}

func validType(t []byte) bool {
	for _, b := range t {
		if !(b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z') {
			return false
		}
	}
	return true
}

// Parse splits buf into chunks, verifying every checksum. The first chunk
// must be IHDR and the last IEND.
func Parse(buf []byte) ([]Chunk, error) {
	if !bytes.HasPrefix(buf, Signature) {
		return nil, formatErr("bad signature")
	}
	var chunks []Chunk
	pos := len(Signature)
	ended := false
	for pos < len(buf) {
		if ended {
			return nil, formatErr("%d bytes after IEND", len(buf)-pos)
		}
		if pos+8 > len(buf) {
			return nil, formatErr("truncated chunk header at offset %d", pos)
		}
		n := uint64(binary.BigEndian.Uint32(buf[pos:]))
		if n > maxChunkLen {
			return nil, formatErr("chunk at offset %d declares length %d", pos, n)
		}
		typ := buf[pos+4 : pos+8]
		if !validType(typ) {
			return nil, formatErr("invalid chunk type %q at offset %d", typ, pos)
		}
		end := uint64(pos) + 12 + n
		if end > uint64(len(buf)) {
			return nil, formatErr("chunk %s at offset %d declares %d bytes, %d available", typ, pos, n, len(buf)-pos-12)
		}
		c := Chunk{Data: bytes.Clone(buf[pos+8 : pos+8+int(n)])}
		copy(c.Type[:], typ)
		c.CRC = binary.BigEndian.Uint32(buf[pos+8+int(n):])
		if sum := c.checksum(); sum != c.CRC {
			return nil, formatErr("chunk %s at offset %d has crc %08x, want %08x", typ, pos, c.CRC, sum)
		}
		if len(chunks) == 0 && c.Type != typeIHDR {
			return nil, formatErr("first chunk is %s, not IHDR", typ)
		}
		chunks = append(chunks, c)
		ended = c.Type == typeIEND
		pos = int(end)
	}
	if !ended {
		return nil, formatErr("missing IEND")
	}
	return chunks, nil
}

// Serialize writes chunks after the signature, recomputing every length
// and checksum.
func Serialize(chunks []Chunk) []byte {
	size := len(Signature)
	for _, c := range chunks {
		size += 12 + len(c.Data)
	}
	out := make([]byte, 0, size)
	out = append(out, Signature...)
	for _, c := range chunks {
		out = binary.BigEndian.AppendUint32(out, uint32(len(c.Data)))
		out = append(out, c.Type[:]...)
		out = append(out, c.Data...)
		out = binary.BigEndian.AppendUint32(out, c.checksum())
	}
	return out
}

// Dates returns the date text values found in chunks, keyed by keyword.
func Dates(chunks []Chunk) map[string]string {
	out := make(map[string]string)
	for _, c := range chunks {
		k, v, ok := c.Text()
		if ok && (k == KeyTaken || k == KeyDigitized) {
			if _, seen := out[k]; !seen {
				out[k] = v
			}
		}
	}
	return out
}

// SetDates returns a new chunk list carrying taken and digitized. Existing
// tEXt chunks with the date keywords are replaced where they are; missing
// ones are inserted after IHDR. An eXIf chunk, if present, is patched too.
// Each date gets its own tEXt chunk, since a tEXt chunk holds exactly one
// keyword/value pair.
func SetDates(chunks []Chunk, taken, digitized timestamp.Timestamp) ([]Chunk, error) {
	if len(chunks) == 0 || chunks[0].Type != typeIHDR {
		return nil, formatErr("chunk list does not start with IHDR")
	}
	out := append([]Chunk(nil), chunks...)

	var insert []Chunk
	for _, kv := range [][2]string{{KeyTaken, taken.String()}, {KeyDigitized, digitized.String()}} {
		found := false
		for i, c := range out {
			if k, _, ok := c.Text(); ok && k == kv[0] {
				out[i] = TextChunk(kv[0], kv[1])
				found = true
			}
		}
		if !found {
			insert = append(insert, TextChunk(kv[0], kv[1]))
		}
	}

	for i, c := range out {
		if c.Type != typeEXIf {
			continue
		}
		tiff, err := exif.PatchDates(c.Data, taken, digitized)
		if err != nil {
			return nil, err
		}
		out[i] = NewChunk("eXIf", tiff)
	}

	if len(insert) == 0 {
		return out, nil
	}
	res := make([]Chunk, 0, len(out)+len(insert))
	res = append(res, out[0])
	res = append(res, insert...)
	return append(res, out[1:]...), nil
}

// InjectDates parses buf, sets both dates and serializes the result.
func InjectDates(buf []byte, taken, digitized timestamp.Timestamp) ([]byte, error) {
	chunks, err := Parse(buf)
	if err != nil {
		return nil, err
	}
	chunks, err = SetDates(chunks, taken, digitized)
	if err != nil {
		return nil, err
	}
	return Serialize(chunks), nil
}
