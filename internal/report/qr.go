package report

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// ManifestHashToQR encodes the manifest hash as a QR code PNG.
func ManifestHashToQR(hash string, size int) ([]byte, error) {
	normalized := sanitizeHash(hash)
	if normalized == "" {
		return nil, fmt.Errorf("manifest hash is empty")
	}
	if size <= 0 {
		size = 128
	}
	return qrcode.Encode(normalized, qrcode.Medium, size)
}

// sanitizeHash keeps the hex digits of hash, lowercased.
func sanitizeHash(hash string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(hash)) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
