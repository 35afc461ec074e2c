// Package session drives the client-facing turn state machine and the
// registry of local chat sessions.
package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/attach"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/dify"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/model"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/logger"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/metrics"
)

// TurnState is the state of a consumer's current turn.
type TurnState string

const (
	StateIdle      TurnState = "idle"
	StateSending   TurnState = "sending"
	StateStreaming TurnState = "streaming"
	StateComplete  TurnState = "complete"
	StateError     TurnState = "error"
)

var (
	// ErrTurnInFlight is returned when a send is attempted while the previous
	// turn has not reached a terminal state.
	ErrTurnInFlight = errors.New("a turn is already in flight for this session")
	// ErrEmptyPrompt is returned when a send carries neither prompt text nor
	// attachments.
	ErrEmptyPrompt = errors.New("prompt text or at least one attachment is required")
	// ErrNothingToResend is returned when a resend is requested without a
	// preceding failed turn.
	ErrNothingToResend = errors.New("no failed turn to resend")
)

const cancelledMarker = "\n\n[Generation stopped]"

// EventSink receives normalized events for one turn in parse order.
type EventSink func(ev *model.StreamEvent)

// Consumer owns one logical in-flight turn at a time for one session. It
// accumulates normalized events into the session's evolving assistant
// message, tracks the opaque conversation identity across turns, and reports
// exactly one terminal outcome per turn.
type Consumer struct {
	mu     sync.Mutex
	client *dify.Client
	logger *logger.Logger

	sess       *model.Session
	state      TurnState
	current    *model.Message
	acc        strings.Builder
	fileEvents []model.FileAttachment
	cancel     context.CancelFunc
	cancelled  bool
	taskID     string

	lastPrompt string
	lastFiles  []model.FileAttachment
}

// NewConsumer creates a consumer bound to one session.
func NewConsumer(sess *model.Session, client *dify.Client, log *logger.Logger) *Consumer {
	return &Consumer{
		client: client,
		logger: log,
		sess:   sess,
		state:  StateIdle,
	}
}

// State returns the current turn state.
func (c *Consumer) State() TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the session this consumer drives.
func (c *Consumer) Session() *model.Session {
	return c.sess
}

// Send runs one turn to completion, delivering each normalized event to sink
// in parse order. It returns an error only for precondition failures; turn
// failures surface as a terminal error event and the StateError state, with
// any partial content preserved on the message.
func (c *Consumer) Send(ctx context.Context, prompt string, files []model.FileAttachment, sink EventSink) error {
	c.mu.Lock()
	if c.state == StateSending || c.state == StateStreaming {
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	if strings.TrimSpace(prompt) == "" && len(files) == 0 {
		c.mu.Unlock()
		return ErrEmptyPrompt
	}

	now := time.Now()
	userMsg := &model.Message{
		ID:          uuid.NewString(),
		Role:        model.RoleUser,
		Content:     prompt,
		CreatedAt:   now,
		Attachments: files,
	}
	c.current = &model.Message{
		ID:        uuid.NewString(),
		Role:      model.RoleAssistant,
		CreatedAt: now,
		Streaming: true,
	}
	c.sess.Messages = append(c.sess.Messages, userMsg, c.current)
	c.sess.UpdatedAt = now

	c.state = StateSending
	c.cancelled = false
	c.taskID = ""
	c.acc.Reset()
	c.fileEvents = nil
	c.lastPrompt = prompt
	c.lastFiles = files

	turnCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	convID := c.sess.ConversationID
	c.mu.Unlock()

	defer cancel()
	metrics.TurnsActive.Inc()
	defer metrics.TurnsActive.Dec()
	start := time.Now()

	rc, err := c.client.ChatStream(turnCtx, &dify.ChatRequest{
		Prompt:         prompt,
		ConversationID: convID,
		Files:          files,
	})
	if err != nil {
		outcome := c.failTurn(err, sink)
		metrics.TurnDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		return nil
	}
	defer rc.Close()

	norm := dify.NewNormalizer(rc, c.client.BaseURL(), c.logger)
	outcome := c.consume(norm, sink)
	metrics.TurnDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return nil
}

// Cancel aborts the in-flight turn. It is cooperative: the network operation
// is signalled, the stream winds down as if the upstream closed it, and the
// turn terminates as complete with the partial content plus a cancellation
// marker. Cancelling an idle consumer is a no-op.
func (c *Consumer) Cancel(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateSending && c.state != StateStreaming {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	cancel := c.cancel
	taskID := c.taskID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if taskID != "" {
		stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer stop()
		if err := c.client.StopStream(stopCtx, taskID); err != nil {
			c.logger.Debug("failed to stop upstream task", zap.String("task_id", taskID), zap.Error(err))
		}
	}
}

// Resend replays the inputs of the last failed turn. It is only valid from
// the error state.
func (c *Consumer) Resend(ctx context.Context, sink EventSink) error {
	c.mu.Lock()
	if c.state != StateError {
		c.mu.Unlock()
		return ErrNothingToResend
	}
	prompt, files := c.lastPrompt, c.lastFiles
	c.mu.Unlock()

	if strings.TrimSpace(prompt) == "" && len(files) == 0 {
		return ErrNothingToResend
	}
	return c.Send(ctx, prompt, files, sink)
}

// consume drains the normalizer, applying each event in order, and settles
// the turn into its terminal state.
func (c *Consumer) consume(norm *dify.Normalizer, sink EventSink) string {
	for {
		ev, err := norm.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A mid-stream read failure. Cancellation is not an error; a
			// deadline is the pipeline timeout firing during the body.
			if c.isCancelled() {
				return c.finishCancelled(sink)
			}
			return c.failTurn(err, sink)
		}

		c.apply(ev)
		sink(ev)
		if ev.Terminal() {
			if ev.Kind == model.EventError {
				return "error"
			}
			return "complete"
		}
	}

	// Stream ended without a terminal record.
	if c.isCancelled() {
		return c.finishCancelled(sink)
	}
	return c.failTurn(errors.New("the assistant stream ended unexpectedly"), sink)
}

// apply folds one normalized event into the session state.
func (c *Consumer) apply(ev *model.StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateSending {
		c.state = StateStreaming
	}
	if ev.TaskID != "" {
		c.taskID = ev.TaskID
	}

	switch ev.Kind {
	case model.EventContent:
		if ev.Replace {
			c.acc.Reset()
		}
		c.acc.WriteString(ev.Text)
		snapshot := c.acc.String()
		c.current.Content = snapshot
		// Re-detect over the full accumulator and replace the detected list:
		// partial matches from earlier snapshots must not linger.
		c.current.Attachments = dify.MergeAttachments(c.fileEvents, attach.Detect(snapshot))

	case model.EventThinking:
		// Shown while it is the freshest thing we have, never added to the
		// accumulator that seeds the final answer.
		c.current.Content = renderThinking(c.acc.String(), ev.Text)

	case model.EventFile:
		if ev.File != nil {
			c.fileEvents = append(c.fileEvents, *ev.File)
			c.current.Attachments = dify.MergeAttachments(c.fileEvents, attach.Detect(c.acc.String()))
		}

	case model.EventComplete:
		final := ev.Text
		if final == "" {
			final = c.acc.String()
		}
		c.current.Content = final
		c.current.Attachments = ev.Attachments
		c.current.Streaming = false
		c.adoptConversationIDLocked(ev.ConversationID)
		c.state = StateComplete
		c.sess.UpdatedAt = time.Now()

	case model.EventError:
		c.applyErrorLocked(ev.Text)
	}
}

// failTurn settles the turn as failed, preserving partial content: output the
// model already produced is useful even when the turn ultimately failed.
func (c *Consumer) failTurn(err error, sink EventSink) string {
	msg := userMessageFor(err)

	c.mu.Lock()
	c.applyErrorLocked(msg)
	convID := c.sess.ConversationID
	c.mu.Unlock()

	c.logger.Warn("turn failed", zap.String("session_id", c.sess.ID), zap.Error(err))
	sink(&model.StreamEvent{Kind: model.EventError, Text: msg, ConversationID: convID})
	return "error"
}

// applyErrorLocked marks the current message failed and appends the error
// notice to whatever content accumulated. Callers hold the mutex.
func (c *Consumer) applyErrorLocked(msg string) {
	content := c.acc.String()
	if content != "" {
		content += "\n\n"
	}
	c.current.Content = content + "[" + msg + "]"
	c.current.Failed = true
	c.current.Streaming = false
	c.state = StateError
	c.sess.UpdatedAt = time.Now()
}

// finishCancelled settles a user-cancelled turn as complete, not as an error.
func (c *Consumer) finishCancelled(sink EventSink) string {
	c.mu.Lock()
	content := c.acc.String() + cancelledMarker
	c.current.Content = content
	c.current.Streaming = false
	c.state = StateComplete
	c.sess.UpdatedAt = time.Now()
	atts := c.current.Attachments
	convID := c.sess.ConversationID
	c.mu.Unlock()

	sink(&model.StreamEvent{
		Kind:           model.EventComplete,
		Text:           content,
		Attachments:    atts,
		ConversationID: convID,
	})
	return "cancelled"
}

// adoptConversationIDLocked records the provider-issued conversation identity.
// First assignment wins: a later event reporting a different identity is
// treated as upstream inconsistency and ignored.
func (c *Consumer) adoptConversationIDLocked(id string) {
	if id == "" {
		return
	}
	if c.sess.ConversationID == "" {
		c.sess.ConversationID = id
		return
	}
	if c.sess.ConversationID != id {
		c.logger.Warn("upstream reported a different conversation identity, keeping the first",
			zap.String("session_id", c.sess.ID),
			zap.String("assigned", c.sess.ConversationID),
			zap.String("reported", id),
		)
	}
}

func (c *Consumer) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// renderThinking formats auxiliary reasoning text under the accumulated
// answer for display.
func renderThinking(snapshot, thought string) string {
	quoted := "> " + strings.ReplaceAll(strings.TrimSpace(thought), "\n", "\n> ")
	if snapshot == "" {
		return quoted
	}
	return snapshot + "\n\n" + quoted
}

// userMessageFor picks cause-specific user-facing wording for a turn failure.
func userMessageFor(err error) string {
	var derr *dify.Error
	if errors.As(err, &derr) {
		return derr.UserMessage()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The assistant timed out while answering. Please try again."
	}
	return "The conversation was interrupted: " + err.Error()
}
