package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/model"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/logger"
)

func newTestRegistry(t *testing.T, srv *httptest.Server) *Registry {
	t.Helper()
	return NewRegistry(newTestClient(t, srv, 5*time.Second), logger.NewNop())
}

func TestRegistryCreateAndGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	reg := newTestRegistry(t, srv)

	sess := reg.Create("")
	assert.Equal(t, "New Chat", sess.Title)
	assert.NotEmpty(t, sess.ID)
	assert.Empty(t, sess.ConversationID)

	got, err := reg.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistryListOrdersByRecency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	reg := newTestRegistry(t, srv)

	older := reg.Create("older")
	newer := reg.Create("newer")
	older.UpdatedAt = time.Now().Add(-time.Hour)
	newer.UpdatedAt = time.Now()

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].Title)
	assert.Equal(t, "older", list[1].Title)
}

func TestRegistryConsumerIsStablePerSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	reg := newTestRegistry(t, srv)

	sess := reg.Create("t")
	c1, err := reg.Consumer(sess.ID)
	require.NoError(t, err)
	c2, err := reg.Consumer(sess.ID)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	_, err = reg.Consumer("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistryRenamePropagatesUpstream(t *testing.T) {
	var renamedPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		renamedPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	reg := newTestRegistry(t, srv)

	sess := reg.Create("before")
	sess.ConversationID = "c1"

	got, err := reg.Rename(context.Background(), sess.ID, "after")
	require.NoError(t, err)
	assert.Equal(t, "after", got.Title)
	assert.Equal(t, "/conversations/c1/name", renamedPath)
}

func TestRegistryRenameLocalOnlyWithoutConversation(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()
	reg := newTestRegistry(t, srv)

	sess := reg.Create("before")
	_, err := reg.Rename(context.Background(), sess.ID, "after")
	require.NoError(t, err)
	assert.False(t, called)
}

func TestRegistryDeleteRemovesUpstreamConversation(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = r.URL.Path
		}
		w.Write([]byte(`{"result":"success"}`))
	}))
	defer srv.Close()
	reg := newTestRegistry(t, srv)

	sess := reg.Create("t")
	sess.ConversationID = "c9"
	require.NoError(t, reg.Delete(context.Background(), sess.ID))

	assert.Equal(t, "/conversations/c9", deleted)
	_, err := reg.Get(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistryPromote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	reg := newTestRegistry(t, srv)

	summary := model.ConversationSummary{ID: "c1", Title: "Support thread", UpdatedAt: time.Now()}
	msgs := []*model.Message{
		{ID: "m1:q", Role: model.RoleUser, Content: "hi"},
		{ID: "m1", Role: model.RoleAssistant, Content: "hello"},
	}

	sess := reg.Promote(summary, msgs)
	assert.Equal(t, "Support thread", sess.Title)
	assert.Equal(t, "c1", sess.ConversationID)
	assert.True(t, sess.FromHistory)
	assert.Len(t, sess.Messages, 2)
	assert.True(t, reg.HasConversation("c1"))

	// Promoting the same conversation again returns the existing session.
	again := reg.Promote(summary, nil)
	assert.Same(t, sess, again)

	found, ok := reg.FindByConversation("c1")
	require.True(t, ok)
	assert.Same(t, sess, found)
}

func TestRegistryPromoteDefaultTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	reg := newTestRegistry(t, srv)

	sess := reg.Promote(model.ConversationSummary{ID: "c2"}, nil)
	assert.Equal(t, "Restored Chat", sess.Title)
}
