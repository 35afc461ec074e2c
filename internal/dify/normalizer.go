package dify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/attach"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/model"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/logger"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/metrics"
)

// Normalizer consumes one raw upstream event stream and yields normalized
// stream events in record order. It buffers until a full newline-delimited
// record is available, repairs or drops malformed payloads, and stops after
// the first terminal event.
type Normalizer struct {
	scanner *bufio.Scanner
	base    *url.URL
	logger  *logger.Logger

	acc    strings.Builder
	files  []model.FileAttachment
	convID string
	taskID string
	done   bool
}

// NewNormalizer wraps a raw stream produced by ChatStream. baseURL is used to
// resolve path-only file URLs emitted by the provider.
func NewNormalizer(r io.Reader, baseURL string, log *logger.Logger) *Normalizer {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}
	return &Normalizer{
		scanner: scanner,
		base:    base,
		logger:  log,
	}
}

// Next returns the next normalized event. It returns io.EOF when the stream
// ends, after a terminal event has been emitted, or when the underlying
// stream was aborted by cancellation. Malformed records never produce an
// error: they are repaired or dropped.
func (n *Normalizer) Next() (*model.StreamEvent, error) {
	if n.done {
		return nil, io.EOF
	}

	for n.scanner.Scan() {
		line := strings.TrimSpace(n.scanner.Text())
		if line == "" {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		rec, ok := n.decodeRecord(data)
		if !ok {
			continue
		}
		ev := n.apply(rec)
		if ev == nil {
			continue
		}
		if ev.Terminal() {
			n.done = true
		}
		metrics.RecordStreamEvent(string(ev.Kind))
		return ev, nil
	}

	if err := n.scanner.Err(); err != nil && !isAbort(err) {
		return nil, err
	}
	return nil, io.EOF
}

// Accumulated returns the merged answer text seen so far.
func (n *Normalizer) Accumulated() string {
	return n.acc.String()
}

// TaskID returns the upstream task identifier once a record has carried one.
func (n *Normalizer) TaskID() string {
	return n.taskID
}

// decodeRecord parses one record payload, walking the repair ladder before
// giving up: decode doubled unicode escapes, collapse doubled backslashes,
// then balance unterminated quotes and braces. A record that still fails is
// dropped; a single bad record must not end the turn.
func (n *Normalizer) decodeRecord(data string) (*streamRecord, bool) {
	var rec streamRecord
	if err := json.Unmarshal([]byte(data), &rec); err == nil {
		return &rec, true
	}

	repaired := collapseDoubledEscapes(resolveUnicodeEscapes(data))
	if err := json.Unmarshal([]byte(repaired), &rec); err == nil {
		metrics.StreamRecordsRepaired.Inc()
		return &rec, true
	}

	repaired = repairJSON(repaired)
	if err := json.Unmarshal([]byte(repaired), &rec); err == nil {
		metrics.StreamRecordsRepaired.Inc()
		return &rec, true
	}

	metrics.StreamRecordsDropped.Inc()
	n.logger.Warn("dropping malformed stream record", zap.Int("bytes", len(data)))
	return nil, false
}

// apply maps one wire record onto a normalized event, or nil for records that
// carry nothing for the consumer (pings, empty deltas, unknown kinds).
func (n *Normalizer) apply(rec *streamRecord) *model.StreamEvent {
	n.noteIdentity(rec)

	switch rec.Event {
	case "message", "agent_message":
		if rec.Answer == "" {
			return nil
		}
		n.acc.WriteString(rec.Answer)
		return n.event(&model.StreamEvent{Kind: model.EventContent, Text: rec.Answer})

	case "message_replace":
		n.acc.Reset()
		n.acc.WriteString(rec.Answer)
		return n.event(&model.StreamEvent{Kind: model.EventContent, Text: rec.Answer, Replace: true})

	case "agent_thought":
		if rec.Thought == "" {
			return nil
		}
		return n.event(&model.StreamEvent{Kind: model.EventThinking, Text: rec.Thought})

	case "message_file":
		att := n.fileAttachment(rec)
		n.files = append(n.files, att)
		return n.event(&model.StreamEvent{Kind: model.EventFile, File: &att})

	case "message_end":
		full := rec.Answer
		if full == "" {
			full = n.acc.String()
		}
		full = n.stripDuplicateImages(full)
		atts := MergeAttachments(n.files, attach.Detect(full))
		return n.event(&model.StreamEvent{Kind: model.EventComplete, Text: full, Attachments: atts})

	case "error":
		msg := rec.Message
		if msg == "" {
			msg = "the assistant reported an error"
		}
		return n.event(&model.StreamEvent{Kind: model.EventError, Text: msg})

	case "ping":
		return nil

	default:
		return nil
	}
}

func (n *Normalizer) event(ev *model.StreamEvent) *model.StreamEvent {
	ev.ConversationID = n.convID
	ev.TaskID = n.taskID
	return ev
}

func (n *Normalizer) noteIdentity(rec *streamRecord) {
	if rec.ConversationID != "" {
		n.convID = rec.ConversationID
	}
	if rec.TaskID != "" {
		n.taskID = rec.TaskID
	}
}

// fileAttachment builds a structured attachment from a message_file record,
// resolving path-only URLs against the provider base URL.
func (n *Normalizer) fileAttachment(rec *streamRecord) model.FileAttachment {
	resolved := n.resolveURL(rec.URL)
	name := attach.Filename(resolved)
	kind, ok := attach.KindForName(name)
	if !ok {
		kind = kindFromWire(rec.Type)
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	return model.FileAttachment{
		ID:     id,
		Name:   name,
		Kind:   kind,
		Size:   0,
		Origin: model.FileOriginAgent,
		URL:    resolved,
	}
}

func (n *Normalizer) resolveURL(raw string) string {
	if raw == "" || strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	if n.base == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return n.base.ResolveReference(ref).String()
}

var inlineImageRe = regexp.MustCompile(`!\[[^\]]*\]\(([^()\s]+)\)`)

// stripDuplicateImages removes inline image markup whose URL duplicates a
// structured file event for the same resource, so the UI does not render the
// image twice. URLs are compared query-stripped, then by trailing filename
// when one side is a path-only reference.
func (n *Normalizer) stripDuplicateImages(text string) string {
	if len(n.files) == 0 {
		return text
	}
	stripped := inlineImageRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := inlineImageRe.FindStringSubmatch(m)
		if len(sub) < 2 {
			return m
		}
		if n.matchesFileEvent(sub[1]) {
			return ""
		}
		return m
	})
	return strings.TrimSpace(stripped)
}

func (n *Normalizer) matchesFileEvent(rawURL string) bool {
	key := attach.StripQuery(n.resolveURL(rawURL))
	name := attach.Filename(rawURL)
	for _, f := range n.files {
		if attach.StripQuery(f.URL) == key {
			return true
		}
		if name != "" && name != "." && attach.Filename(f.URL) == name {
			return true
		}
	}
	return false
}

// MergeAttachments unions provider-declared files with text-detected
// attachments, deduplicated by query-stripped URL and by filename. Declared
// files win: they carry the provider's identifiers. A provider that repeats
// the same file event still yields one attachment; the first occurrence keeps
// its identifier.
func MergeAttachments(declared, detected []model.FileAttachment) []model.FileAttachment {
	if len(declared) == 0 && len(detected) == 0 {
		return nil
	}
	out := make([]model.FileAttachment, 0, len(declared)+len(detected))
	seenURL := make(map[string]bool)
	seenName := make(map[string]bool)
	for _, f := range declared {
		if seenURL[attach.StripQuery(f.URL)] {
			continue
		}
		out = append(out, f)
		seenURL[attach.StripQuery(f.URL)] = true
		seenName[attach.Filename(f.URL)] = true
	}
	for _, f := range detected {
		if seenURL[attach.StripQuery(f.URL)] || seenName[attach.Filename(f.URL)] {
			continue
		}
		seenURL[attach.StripQuery(f.URL)] = true
		seenName[attach.Filename(f.URL)] = true
		out = append(out, f)
	}
	return out
}

// isAbort reports whether a stream read failure came from cooperative
// cancellation or a closed connection, which ends iteration cleanly.
func isAbort(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		strings.Contains(err.Error(), "response body")
}
