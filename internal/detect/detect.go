// Package detect guesses an image container kind from its leading bytes.
package detect

import (
	"bytes"
	"io"
	"os"
)

// Kind is the single best guess for a buffer's container format.
type Kind int

const (
	KindUnknown Kind = iota
	KindJPEG
	KindPNG
	KindGIF
	KindWebP
	KindHEIF
	KindTIFF
	KindVideo
)

// SniffLen is the number of leading bytes Detect looks at.
const SniffLen = 32

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

func (k Kind) String() string {
	switch k {
	case KindJPEG:
		return "jpeg"
	case KindPNG:
		return "png"
	case KindGIF:
		return "gif"
	case KindWebP:
		return "webp"
	case KindHEIF:
		return "heif"
	case KindTIFF:
		return "tiff"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Injectable reports whether dates can be written into this kind.
func (k Kind) Injectable() bool {
	return k == KindJPEG || k == KindPNG
}

// Detect matches the signature at the start of buf.
func Detect(buf []byte) Kind {
	switch {
	case len(buf) >= 3 && buf[0] == 0xFF && buf[1] == 0xD8 && buf[2] == 0xFF:
		return KindJPEG
	case bytes.HasPrefix(buf, pngSignature):
		return KindPNG
	case bytes.HasPrefix(buf, []byte("GIF87a")), bytes.HasPrefix(buf, []byte("GIF89a")):
		return KindGIF
	case len(buf) >= 12 && string(buf[0:4]) == "RIFF" && string(buf[8:12]) == "WEBP":
		return KindWebP
	case len(buf) >= 4 && (string(buf[0:4]) == "II*\x00" || string(buf[0:4]) == "MM\x00*"):
		return KindTIFF
	case len(buf) >= 12 && string(buf[4:8]) == "ftyp":
		switch string(buf[8:12]) {
		case "heic", "heix", "hevc", "heim", "heis", "mif1", "msf1", "avif":
			return KindHEIF
		}
		return KindVideo
	case len(buf) >= 8 && string(buf[4:8]) == "moov":
		return KindVideo
	default:
		return KindUnknown
	}
}

// File reads the leading bytes of path and detects its kind.
func File(path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return KindUnknown, err
	}
	defer f.Close()
	head := make([]byte, SniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return KindUnknown, err
	}
	return Detect(head[:n]), nil
}
