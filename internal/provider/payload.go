package provider

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"github.com/vietddude/lens/internal/core/apperr"
)

// MediaKind distinguishes image from audio payloads.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
)

// DefaultMaxPayloadBytes bounds payload size when no limit is configured.
const DefaultMaxPayloadBytes int64 = 10 << 20

// Payload is a validated image or audio clip.
type Payload struct {
	Data        []byte
	ContentType string
	Kind        MediaKind
}

// Size returns the payload length in bytes.
func (p Payload) Size() int64 {
	return int64(len(p.Data))
}

var allowedTypes = map[string]MediaKind{
	"image/jpeg":      MediaImage,
	"image/png":       MediaImage,
	"image/gif":       MediaImage,
	"image/webp":      MediaImage,
	"image/bmp":       MediaImage,
	"audio/wave":      MediaAudio,
	"audio/mpeg":      MediaAudio,
	"audio/aiff":      MediaAudio,
	"audio/basic":     MediaAudio,
	"application/ogg": MediaAudio,
}

// decodable types are checked for structural integrity, not just magic bytes.
var decodable = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

// ValidatePayload checks that data is non-empty, within maxBytes and a
// recognised, well-formed image or audio encoding. Failures are validation
// errors.
func ValidatePayload(data []byte, maxBytes int64) (Payload, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPayloadBytes
	}
	if len(data) == 0 {
		return Payload{}, apperr.Validation("payload is empty")
	}
	if int64(len(data)) > maxBytes {
		return Payload{}, apperr.Validation("payload is %d bytes, limit is %d", len(data), maxBytes)
	}

	contentType := http.DetectContentType(data)
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	kind, ok := allowedTypes[contentType]
	if !ok {
		return Payload{}, apperr.Validation("unsupported payload type %s", contentType)
	}

	if decodable[contentType] {
		if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
			return Payload{}, apperr.Validation("malformed %s payload: %v", contentType, err)
		}
	}

	return Payload{Data: data, ContentType: contentType, Kind: kind}, nil
}

// CheckSize enforces an adapter-specific limit stricter than the global one.
func CheckSize(p Payload, maxBytes int64) error {
	if maxBytes > 0 && p.Size() > maxBytes {
		return apperr.Validation("payload is %d bytes, provider limit is %d", p.Size(), maxBytes)
	}
	return nil
}
