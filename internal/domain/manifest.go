package domain

import "strings"

const (
	RoleImage = "image"
	RoleAudio = "audio"

	inlinePrefix = "data:"
	inlineMarker = ";base64,"
)

// MediaAsset is either an inline payload (data:<mime>;base64,<bytes>) or a
// durable reference URL. Source holds whichever form the asset is in.
type MediaAsset struct {
	Role   string `json:"role"`
	Source string `json:"source"`
}

// IsInline reports whether the asset still carries an inline payload.
func (a MediaAsset) IsInline() bool {
	return IsInlinePayload(a.Source)
}

// IsInlinePayload reports whether s has the data:<mime>;base64, shape. A
// string with the prefix but broken contents still counts as inline so that
// the caller rejects it instead of passing it on as a URL.
func IsInlinePayload(s string) bool {
	return strings.HasPrefix(s, inlinePrefix) && strings.Contains(s, inlineMarker)
}

type Scene struct {
	Text  string      `json:"text"`
	Type  string      `json:"type,omitempty"`
	Asset *MediaAsset `json:"asset,omitempty"`
}

type AssetManifest struct {
	Scenes           []Scene     `json:"scenes"`
	Narration        *MediaAsset `json:"narration,omitempty"`
	DurationInFrames int         `json:"duration_in_frames"`
}

// InlineCount returns how many assets in the manifest still need uploading.
func (m AssetManifest) InlineCount() int {
	n := 0
	for _, scene := range m.Scenes {
		if scene.Asset != nil && scene.Asset.IsInline() {
			n++
		}
	}
	if m.Narration != nil && m.Narration.IsInline() {
		n++
	}
	return n
}

func (m AssetManifest) HasInline() bool {
	return m.InlineCount() > 0
}

// Clone copies the manifest deeply enough that asset rewrites do not leak
// into the caller's value.
func (m AssetManifest) Clone() AssetManifest {
	out := AssetManifest{
		Scenes:           make([]Scene, len(m.Scenes)),
		DurationInFrames: m.DurationInFrames,
	}
	for i, scene := range m.Scenes {
		out.Scenes[i] = scene
		if scene.Asset != nil {
			asset := *scene.Asset
			out.Scenes[i].Asset = &asset
		}
	}
	if m.Narration != nil {
		narration := *m.Narration
		out.Narration = &narration
	}
	return out
}
