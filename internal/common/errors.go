package common

import "errors"

// Error classes shared by the codecs, the normalizer and the injector.
// Callers match them with errors.Is; the wrapped message carries detail.
var (
	ErrFormat                     = errors.New("container structurally invalid")
	ErrMissingField               = errors.New("sidecar field missing")
	ErrMalformedTimestamp         = errors.New("malformed timestamp")
	ErrUnsupportedDirectoryLayout = errors.New("unsupported metadata directory layout")
	ErrUnsupportedContainer       = errors.New("unsupported container kind")
)

// Classify returns a stable short name for err, suitable for reports and
// audit records.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFormat):
		return "format"
	case errors.Is(err, ErrMissingField):
		return "missing-field"
	case errors.Is(err, ErrMalformedTimestamp):
		return "malformed-timestamp"
	case errors.Is(err, ErrUnsupportedDirectoryLayout):
		return "unsupported-directory-layout"
	case errors.Is(err, ErrUnsupportedContainer):
		return "unsupported-container"
	default:
		return "io"
	}
}
