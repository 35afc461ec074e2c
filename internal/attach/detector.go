// Package attach detects file references embedded in model-authored text.
//
// Two independent patterns are scanned with explicit precedence: markdown-style
// links first, then bare URLs. A bare URL is skipped when a link with the same
// query-stripped path was already found, so each resource is reported once.
package attach

import (
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/model"
)

var (
	markdownLinkRe = regexp.MustCompile(`\[([^\[\]]+)\]\(([^()\s]+)\)`)
	bareURLRe      = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
)

// kindByExt is the fixed extension classification table. Unlisted extensions
// map to the generic binary kind and are not treated as attachments by Detect.
var kindByExt = map[string]model.FileKind{
	"doc":  model.FileKindWord,
	"docx": model.FileKindWord,
	"xls":  model.FileKindSheet,
	"xlsx": model.FileKindSheet,
	"csv":  model.FileKindSheet,
	"ppt":  model.FileKindSlide,
	"pptx": model.FileKindSlide,
	"pdf":  model.FileKindPDF,
	"txt":  model.FileKindText,
	"md":   model.FileKindText,
	"log":  model.FileKindText,
	"png":  model.FileKindImage,
	"jpg":  model.FileKindImage,
	"jpeg": model.FileKindImage,
	"gif":  model.FileKindImage,
	"webp": model.FileKindImage,
	"bmp":  model.FileKindImage,
	"svg":  model.FileKindImage,
	"mp3":  model.FileKindAudio,
	"wav":  model.FileKindAudio,
	"ogg":  model.FileKindAudio,
	"m4a":  model.FileKindAudio,
	"flac": model.FileKindAudio,
	"mp4":  model.FileKindVideo,
	"avi":  model.FileKindVideo,
	"mov":  model.FileKindVideo,
	"webm": model.FileKindVideo,
	"mkv":  model.FileKindVideo,
	"zip":  model.FileKindArchive,
	"rar":  model.FileKindArchive,
	"7z":   model.FileKindArchive,
	"tar":  model.FileKindArchive,
	"gz":   model.FileKindArchive,
}

// Detect scans text for file references and returns them in order of
// appearance, deduplicated by query-stripped URL. Detected attachments carry a
// fresh identifier, size 0 (unknown), and agent origin: this detector is only
// ever run over model-authored text.
func Detect(text string) []model.FileAttachment {
	var out []model.FileAttachment
	seen := make(map[string]bool)

	for _, m := range markdownLinkRe.FindAllStringSubmatch(text, -1) {
		name, rawURL := m[1], m[2]
		kind, ok := KindForName(name)
		if !ok {
			continue
		}
		key := StripQuery(rawURL)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, newAttachment(name, rawURL, kind))
	}

	for _, raw := range bareURLRe.FindAllString(text, -1) {
		rawURL := strings.TrimRight(raw, ".,;:!?")
		key := StripQuery(rawURL)
		kind, ok := KindForName(key)
		if !ok {
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, newAttachment(path.Base(key), rawURL, kind))
	}

	return out
}

// KindForName classifies a file name or path by its extension. The second
// return is false when the extension is not in the fixed table.
func KindForName(name string) (model.FileKind, bool) {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ext == "" {
		return model.FileKindBinary, false
	}
	kind, ok := kindByExt[ext]
	if !ok {
		return model.FileKindBinary, false
	}
	return kind, true
}

// StripQuery removes the query string and fragment from a URL, leaving the
// comparison key used for deduplication.
func StripQuery(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// Filename returns the trailing path segment of a query-stripped URL.
func Filename(rawURL string) string {
	return path.Base(StripQuery(rawURL))
}

func newAttachment(name, rawURL string, kind model.FileKind) model.FileAttachment {
	return model.FileAttachment{
		ID:     uuid.NewString(),
		Name:   name,
		Kind:   kind,
		Size:   0,
		Origin: model.FileOriginAgent,
		URL:    rawURL,
	}
}
