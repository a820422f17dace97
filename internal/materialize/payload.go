package materialize

import (
	"encoding/base64"
	"fmt"
	"mime"
	"strings"

	"github.com/dunamismax/scenecast/internal/domain"
)

// Payload is a decoded inline asset.
type Payload struct {
	MIMEType string
	Data     []byte
}

// ParseInline decodes data:<mime-type>;base64,<payload>. Callers check the
// shape with domain.IsInlinePayload first; every failure here is a
// validation error because the string claimed to be inline.
func ParseInline(s string) (Payload, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return Payload{}, fmt.Errorf("%w: inline payload must start with data:", domain.ErrValidation)
	}
	mediaType, encoded, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return Payload{}, fmt.Errorf("%w: inline payload is missing ;base64, marker", domain.ErrValidation)
	}
	if strings.TrimSpace(mediaType) == "" {
		return Payload{}, fmt.Errorf("%w: inline payload is missing a mime type", domain.ErrValidation)
	}
	parsedType, _, err := mime.ParseMediaType(mediaType)
	if err != nil || !strings.Contains(parsedType, "/") {
		return Payload{}, fmt.Errorf("%w: invalid inline mime type %q", domain.ErrValidation, mediaType)
	}
	if encoded == "" {
		return Payload{}, fmt.Errorf("%w: inline payload is empty", domain.ErrValidation)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: decode inline payload: %v", domain.ErrValidation, err)
	}
	return Payload{MIMEType: parsedType, Data: data}, nil
}

func extensionForType(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/wav", "audio/wave", "audio/x-wav":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "audio/aac":
		return ".aac"
	default:
		return ".bin"
	}
}
