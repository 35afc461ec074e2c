package dify

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/model"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/logger"
)

const testBaseURL = "https://api.example.com/v1"

func newTestNormalizer(stream string) *Normalizer {
	return NewNormalizer(strings.NewReader(stream), testBaseURL, logger.NewNop())
}

// drain collects every event until io.EOF.
func drain(t *testing.T, n *Normalizer) []*model.StreamEvent {
	t.Helper()
	var out []*model.StreamEvent
	for {
		ev, err := n.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestNormalizerBasicTurn(t *testing.T) {
	stream := "data: {\"event\":\"message\",\"task_id\":\"t1\",\"conversation_id\":\"c1\",\"answer\":\"Hi\"}\n" +
		"data: {\"event\":\"message\",\"conversation_id\":\"c1\",\"answer\":\" there\"}\n" +
		"data: {\"event\":\"message_end\",\"conversation_id\":\"c1\"}\n"

	events := drain(t, newTestNormalizer(stream))

	require.Len(t, events, 3)
	assert.Equal(t, model.EventContent, events[0].Kind)
	assert.Equal(t, "Hi", events[0].Text)
	assert.Equal(t, "c1", events[0].ConversationID)
	assert.Equal(t, "t1", events[0].TaskID)
	assert.Equal(t, model.EventContent, events[1].Kind)
	assert.Equal(t, " there", events[1].Text)
	assert.Equal(t, model.EventComplete, events[2].Kind)
	assert.Equal(t, "Hi there", events[2].Text)
}

func TestNormalizerNothingAfterTerminal(t *testing.T) {
	stream := "data: {\"event\":\"message\",\"answer\":\"a\"}\n" +
		"data: {\"event\":\"message_end\"}\n" +
		"data: {\"event\":\"message\",\"answer\":\"after the end\"}\n"

	n := newTestNormalizer(stream)
	events := drain(t, n)

	require.Len(t, events, 2)
	assert.Equal(t, model.EventComplete, events[1].Kind)

	// Next stays EOF once the turn has terminated.
	_, err := n.Next()
	assert.Equal(t, io.EOF, err)
}

func TestNormalizerCompleteAnswerOverridesAccumulator(t *testing.T) {
	stream := "data: {\"event\":\"message\",\"answer\":\"partial\"}\n" +
		"data: {\"event\":\"message_end\",\"answer\":\"the full corrected answer\"}\n"

	events := drain(t, newTestNormalizer(stream))

	require.Len(t, events, 2)
	assert.Equal(t, "the full corrected answer", events[1].Text)
}

func TestNormalizerReplaceResetsAccumulator(t *testing.T) {
	stream := "data: {\"event\":\"message\",\"answer\":\"offensive draft\"}\n" +
		"data: {\"event\":\"message_replace\",\"answer\":\"moderated text\"}\n" +
		"data: {\"event\":\"message_end\"}\n"

	events := drain(t, newTestNormalizer(stream))

	require.Len(t, events, 3)
	assert.True(t, events[1].Replace)
	assert.Equal(t, "moderated text", events[1].Text)
	assert.Equal(t, "moderated text", events[2].Text)
}

func TestNormalizerAgentThought(t *testing.T) {
	stream := "data: {\"event\":\"agent_thought\",\"thought\":\"searching the knowledge base\"}\n" +
		"data: {\"event\":\"message\",\"answer\":\"answer\"}\n" +
		"data: {\"event\":\"message_end\"}\n"

	events := drain(t, newTestNormalizer(stream))

	require.Len(t, events, 3)
	assert.Equal(t, model.EventThinking, events[0].Kind)
	assert.Equal(t, "searching the knowledge base", events[0].Text)
	// Thought text never reaches the accumulated answer.
	assert.Equal(t, "answer", events[2].Text)
}

func TestNormalizerSkipsEmptyDeltasAndPings(t *testing.T) {
	stream := "data: {\"event\":\"ping\"}\n" +
		"data: {\"event\":\"message\",\"answer\":\"\"}\n" +
		"data: {\"event\":\"some_future_kind\",\"answer\":\"x\"}\n" +
		"data: {\"event\":\"message\",\"answer\":\"ok\"}\n" +
		"data: {\"event\":\"message_end\"}\n"

	events := drain(t, newTestNormalizer(stream))

	require.Len(t, events, 2)
	assert.Equal(t, "ok", events[0].Text)
}

func TestNormalizerFileEventResolvesRelativeURL(t *testing.T) {
	stream := "data: {\"event\":\"message_file\",\"id\":\"f1\",\"type\":\"image\",\"url\":\"/files/chart.png\"}\n" +
		"data: {\"event\":\"message_end\"}\n"

	events := drain(t, newTestNormalizer(stream))

	require.Len(t, events, 2)
	require.NotNil(t, events[0].File)
	assert.Equal(t, "https://api.example.com/files/chart.png", events[0].File.URL)
	assert.Equal(t, "chart.png", events[0].File.Name)
	assert.Equal(t, model.FileKindImage, events[0].File.Kind)
	assert.Equal(t, model.FileOriginAgent, events[0].File.Origin)
}

func TestNormalizerFileKindFallsBackToWireType(t *testing.T) {
	stream := "data: {\"event\":\"message_file\",\"type\":\"audio\",\"url\":\"https://h/stream-a81f\"}\n" +
		"data: {\"event\":\"message_end\"}\n"

	events := drain(t, newTestNormalizer(stream))

	require.NotNil(t, events[0].File)
	assert.Equal(t, model.FileKindAudio, events[0].File.Kind)
	assert.NotEmpty(t, events[0].File.ID)
}

func TestNormalizerStripsDuplicateInlineImages(t *testing.T) {
	stream := "data: {\"event\":\"message_file\",\"id\":\"f1\",\"type\":\"image\",\"url\":\"https://h/chart.png?sig=1\"}\n" +
		"data: {\"event\":\"message\",\"answer\":\"Here it is ![chart](https://h/chart.png?sig=2)\"}\n" +
		"data: {\"event\":\"message_end\"}\n"

	events := drain(t, newTestNormalizer(stream))

	final := events[len(events)-1]
	assert.Equal(t, "Here it is", final.Text)
	require.Len(t, final.Attachments, 1)
	assert.Equal(t, "f1", final.Attachments[0].ID)
}

func TestNormalizerMergesDetectedAndDeclaredAttachments(t *testing.T) {
	stream := "data: {\"event\":\"message_file\",\"id\":\"f1\",\"type\":\"custom\",\"url\":\"https://h/report.pdf\"}\n" +
		"data: {\"event\":\"message\",\"answer\":\"See [report.pdf](https://h/report.pdf) and [notes.txt](https://h/notes.txt)\"}\n" +
		"data: {\"event\":\"message_end\"}\n"

	events := drain(t, newTestNormalizer(stream))

	final := events[len(events)-1]
	require.Len(t, final.Attachments, 2)
	// The declared file wins over the detected duplicate.
	assert.Equal(t, "f1", final.Attachments[0].ID)
	assert.Equal(t, "notes.txt", final.Attachments[1].Name)
}

func TestNormalizerDedupsRepeatedFileEvents(t *testing.T) {
	stream := "data: {\"event\":\"message_file\",\"id\":\"f1\",\"type\":\"image\",\"url\":\"https://h/pic.png\"}\n" +
		"data: {\"event\":\"message_file\",\"id\":\"f2\",\"type\":\"image\",\"url\":\"https://h/pic.png\"}\n" +
		"data: {\"event\":\"message_end\"}\n"

	events := drain(t, newTestNormalizer(stream))

	final := events[len(events)-1]
	require.Equal(t, model.EventComplete, final.Kind)
	require.Len(t, final.Attachments, 1)
	// The first occurrence keeps its identifier.
	assert.Equal(t, "f1", final.Attachments[0].ID)
}

func TestNormalizerRepairsDoubleEscapedTruncatedRecord(t *testing.T) {
	stream := `data: {"event":"message","answer":"\\u4f60\\u597d` + "\n" +
		"data: {\"event\":\"message_end\"}\n"

	events := drain(t, newTestNormalizer(stream))

	require.Len(t, events, 2)
	assert.Equal(t, "你好", events[0].Text)
}

func TestNormalizerRepairsTruncatedRecord(t *testing.T) {
	stream := "data: {\"event\":\"message\",\"answer\":\"cut off mid\n" +
		"data: {\"event\":\"message\",\"answer\":\" but alive\"}\n" +
		"data: {\"event\":\"message_end\"}\n"

	events := drain(t, newTestNormalizer(stream))

	require.Len(t, events, 3)
	assert.Equal(t, "cut off mid", events[0].Text)
	assert.Equal(t, "cut off mid but alive", events[2].Text)
}

func TestNormalizerDropsUnrepairableRecord(t *testing.T) {
	stream := "data: }{ not json at all ][\n" +
		"data: {\"event\":\"message\",\"answer\":\"still fine\"}\n" +
		"data: {\"event\":\"message_end\"}\n"

	events := drain(t, newTestNormalizer(stream))

	require.Len(t, events, 2)
	assert.Equal(t, "still fine", events[0].Text)
}

func TestNormalizerErrorRecordTerminates(t *testing.T) {
	stream := "data: {\"event\":\"message\",\"answer\":\"partial\"}\n" +
		"data: {\"event\":\"error\",\"message\":\"model overloaded\"}\n"

	n := newTestNormalizer(stream)
	events := drain(t, n)

	require.Len(t, events, 2)
	assert.Equal(t, model.EventError, events[1].Kind)
	assert.Equal(t, "model overloaded", events[1].Text)
	assert.Equal(t, "partial", n.Accumulated())
}

func TestNormalizerIgnoresNonDataLines(t *testing.T) {
	stream := ": comment\n" +
		"event: message\n" +
		"\n" +
		"data: {\"event\":\"message\",\"answer\":\"hello\"}\n" +
		"data: {\"event\":\"message_end\"}\n"

	events := drain(t, newTestNormalizer(stream))
	require.Len(t, events, 2)
	assert.Equal(t, "hello", events[0].Text)
}

func TestMergeAttachmentsDedupDeclaredByURL(t *testing.T) {
	declared := []model.FileAttachment{
		{ID: "f1", Name: "pic.png", URL: "https://h/pic.png?sig=1"},
		{ID: "f2", Name: "pic.png", URL: "https://h/pic.png?sig=2"},
		{ID: "f3", Name: "other.pdf", URL: "https://h/other.pdf"},
	}

	merged := MergeAttachments(declared, nil)

	require.Len(t, merged, 2)
	assert.Equal(t, "f1", merged[0].ID)
	assert.Equal(t, "f3", merged[1].ID)
}

func TestMergeAttachmentsDedupByFilename(t *testing.T) {
	declared := []model.FileAttachment{{ID: "f1", Name: "a.png", URL: "/files/a.png"}}
	detected := []model.FileAttachment{
		{ID: "d1", Name: "a.png", URL: "https://h/other/a.png"},
		{ID: "d2", Name: "b.pdf", URL: "https://h/b.pdf"},
	}

	merged := MergeAttachments(declared, detected)

	require.Len(t, merged, 2)
	assert.Equal(t, "f1", merged[0].ID)
	assert.Equal(t, "d2", merged[1].ID)
}
