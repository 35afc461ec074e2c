package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/dify"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/model"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/logger"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// Registry owns the provider client and all local sessions. Sessions are only
// deleted by explicit user action, which also requests upstream deletion once
// a conversation identity exists.
type Registry struct {
	mu        sync.RWMutex
	client    *dify.Client
	logger    *logger.Logger
	sessions  map[string]*model.Session
	consumers map[string]*Consumer
}

// NewRegistry creates a session registry around an explicitly constructed
// provider client.
func NewRegistry(client *dify.Client, log *logger.Logger) *Registry {
	return &Registry{
		client:    client,
		logger:    log,
		sessions:  make(map[string]*model.Session),
		consumers: make(map[string]*Consumer),
	}
}

// Create starts a new empty thread.
func (r *Registry) Create(title string) *model.Session {
	if title == "" {
		title = "New Chat"
	}
	sess := &model.Session{
		ID:        uuid.NewString(),
		Title:     title,
		UpdatedAt: time.Now(),
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	r.logger.Info("session created", zap.String("session_id", sess.ID))
	return sess
}

// Get retrieves a session by id.
func (r *Registry) Get(id string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// List returns all sessions, most recently updated first.
func (r *Registry) List() []*model.Session {
	r.mu.RLock()
	out := make([]*model.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Consumer returns the stream consumer for a session, creating it on first
// use. One consumer per session enforces the one-turn-in-flight rule.
func (r *Registry) Consumer(id string) (*Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cons, ok := r.consumers[id]
	if !ok {
		cons = NewConsumer(sess, r.client, r.logger)
		r.consumers[id] = cons
	}
	return cons, nil
}

// Rename updates a session's display title locally and, when the session is
// bound to a provider conversation, upstream as well.
func (r *Registry) Rename(ctx context.Context, id, title string) (*model.Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	sess.Title = title
	sess.UpdatedAt = time.Now()
	convID := sess.ConversationID
	r.mu.Unlock()

	if convID != "" {
		if err := r.client.RenameConversation(ctx, convID, title); err != nil {
			r.logger.Warn("failed to rename upstream conversation",
				zap.String("conversation_id", convID), zap.Error(err))
		}
	}
	return sess, nil
}

// Delete removes a session and requests upstream deletion of its
// conversation, if one was assigned.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	delete(r.consumers, id)
	convID := sess.ConversationID
	r.mu.Unlock()

	if convID != "" {
		if err := r.client.DeleteConversation(ctx, convID); err != nil {
			r.logger.Warn("failed to delete upstream conversation",
				zap.String("conversation_id", convID), zap.Error(err))
		}
	}
	r.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// HasConversation reports whether a provider conversation is already
// materialized as a local session. The history cache consults this so opened
// conversations are never re-fetched.
func (r *Registry) HasConversation(conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		if sess.ConversationID == conversationID {
			return true
		}
	}
	return false
}

// FindByConversation returns the session bound to a provider conversation.
func (r *Registry) FindByConversation(conversationID string) (*model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		if sess.ConversationID == conversationID {
			return sess, true
		}
	}
	return nil, false
}

// Promote materializes a historical conversation as a local session seeded
// with its replayed messages. Promoting an already-open conversation returns
// the existing session.
func (r *Registry) Promote(summary model.ConversationSummary, msgs []*model.Message) *model.Session {
	if sess, ok := r.FindByConversation(summary.ID); ok {
		return sess
	}

	title := summary.Title
	if title == "" {
		title = "Restored Chat"
	}
	sess := &model.Session{
		ID:             uuid.NewString(),
		Title:          title,
		Messages:       msgs,
		UpdatedAt:      summary.UpdatedAt,
		ConversationID: summary.ID,
		FromHistory:    true,
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	r.logger.Info("history conversation promoted to session",
		zap.String("session_id", sess.ID),
		zap.String("conversation_id", summary.ID),
		zap.Int("messages", len(msgs)),
	)
	return sess
}
