// Package model defines data structures for the chat portal core.
package model

// FileOrigin marks who produced an attachment.
type FileOrigin string

const (
	FileOriginUser  FileOrigin = "user"
	FileOriginAgent FileOrigin = "agent"
)

// FileKind is a coarse MIME-ish classification of an attachment.
type FileKind string

const (
	FileKindWord    FileKind = "word"
	FileKindSheet   FileKind = "sheet"
	FileKindSlide   FileKind = "slide"
	FileKindPDF     FileKind = "pdf"
	FileKindText    FileKind = "text"
	FileKindImage   FileKind = "image"
	FileKindAudio   FileKind = "audio"
	FileKindVideo   FileKind = "video"
	FileKindArchive FileKind = "archive"
	FileKindBinary  FileKind = "binary"
)

// FileAttachment represents a file attached to a message. Exactly one of URL,
// UploadFileID, or Data carries the payload reference. Size is 0 when unknown,
// which is common for model-emitted links.
type FileAttachment struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Kind         FileKind   `json:"kind"`
	Size         int64      `json:"size"`
	Origin       FileOrigin `json:"origin"`
	URL          string     `json:"url,omitempty"`
	UploadFileID string     `json:"upload_file_id,omitempty"`
	Data         []byte     `json:"data,omitempty"`
}
