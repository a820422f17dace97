package materialize

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"strings"

	_ "golang.org/x/image/webp"
)

// probeMetadata reads image dimensions for object metadata. Payloads that do
// not decode are uploaded as-is with no metadata.
func probeMetadata(p Payload) map[string]string {
	if !strings.HasPrefix(p.MIMEType, "image/") {
		return nil
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(p.Data))
	if err != nil {
		return nil
	}
	return map[string]string{
		"width":  strconv.Itoa(cfg.Width),
		"height": strconv.Itoa(cfg.Height),
		"format": format,
	}
}
