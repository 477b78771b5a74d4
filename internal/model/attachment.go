package model

import "strings"

// AttachmentKind classifies an uploaded binary.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentFile  AttachmentKind = "file"
)

// KindFromContentType maps a MIME type to an attachment kind by its
// top-level prefix. Anything unrecognised is a plain file.
func KindFromContentType(contentType string) AttachmentKind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return AttachmentImage
	case strings.HasPrefix(ct, "video/"):
		return AttachmentVideo
	case strings.HasPrefix(ct, "audio/"):
		return AttachmentAudio
	default:
		return AttachmentFile
	}
}

// Attachment is a resolved upload bound to a public URL.
type Attachment struct {
	Kind       AttachmentKind `json:"kind"`
	Name       string         `json:"name"`
	Size       int64          `json:"size"`
	URL        string         `json:"url"`
	PreviewURL string         `json:"preview_url,omitempty"`
}
