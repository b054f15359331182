// Package imagecheck validates encoded image payloads before they enter the
// verification pipeline or object storage.
package imagecheck

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrEmptyImage is returned for zero-length payloads.
	ErrEmptyImage = errors.New("image payload is empty")
	// ErrUnsupportedFormat is returned when the payload is not a JPEG or PNG image.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrMalformedEncoding is returned when a base64 payload cannot be decoded.
	ErrMalformedEncoding = errors.New("malformed image encoding")
)

var allowedTypes = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
}

// Validate sniffs the payload and returns its short format name.
func Validate(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyImage
	}
	detected := mimetype.Detect(payload)
	for mime, format := range allowedTypes {
		if detected.Is(mime) {
			return format, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, detected.String())
}

// IsAllowedContentType reports whether a declared Content-Type is accepted for uploads.
func IsAllowedContentType(contentType string) bool {
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	_, ok := allowedTypes[strings.ToLower(mediaType)]
	return ok
}

// Extension returns the file extension used when storing a payload of the given format.
func Extension(format string) string {
	if format == "jpeg" {
		return ".jpg"
	}
	return "." + format
}

// DecodeDataURL decodes a base64 image, optionally prefixed with a
// "data:image/<type>;base64," header as produced by browser canvases.
func DecodeDataURL(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrEmptyImage
	}
	if strings.HasPrefix(encoded, "data:") {
		comma := strings.IndexByte(encoded, ',')
		if comma < 0 || !strings.HasSuffix(encoded[:comma], ";base64") {
			return nil, ErrMalformedEncoding
		}
		encoded = encoded[comma+1:]
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	if len(decoded) == 0 {
		return nil, ErrEmptyImage
	}
	return decoded, nil
}
