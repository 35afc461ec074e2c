package dify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/model"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/logger"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:        srv.URL,
		APIKey:         "test-key",
		User:           "tester",
		ChatTimeout:    10 * time.Second,
		APITimeout:     5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		HTTPClient:     srv.Client(),
	}, logger.NewNop())
	require.NoError(t, err)
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{APIKey: "k"}, logger.NewNop())
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "https://api.example.com/v1"}, logger.NewNop())
	assert.Error(t, err)
}

func TestChatStreamSendsWireRequest(t *testing.T) {
	var got chatMessagesRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"event\":\"message_end\",\"conversation_id\":\"c1\"}\n"))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	rc, err := client.ChatStream(context.Background(), &ChatRequest{
		Prompt:         "hello",
		ConversationID: "c1",
		Files: []model.FileAttachment{
			{Kind: model.FileKindImage, URL: "https://h/pic.png"},
			{Kind: model.FileKindPDF, UploadFileID: "up-1"},
		},
	})
	require.NoError(t, err)
	defer rc.Close()
	io.Copy(io.Discard, rc)

	assert.Equal(t, "Bearer test-key", auth)
	assert.Equal(t, "hello", got.Query)
	assert.Equal(t, "streaming", got.ResponseMode)
	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, "tester", got.User)
	assert.True(t, got.AutoGenerateName)
	assert.NotNil(t, got.Inputs)

	require.Len(t, got.Files, 2)
	assert.Equal(t, "image", got.Files[0].Type)
	assert.Equal(t, "remote_url", got.Files[0].TransferMethod)
	assert.Equal(t, "https://h/pic.png", got.Files[0].URL)
	assert.Equal(t, "document", got.Files[1].Type)
	assert.Equal(t, "local_file", got.Files[1].TransferMethod)
	assert.Equal(t, "up-1", got.Files[1].UploadFileID)
}

func TestChatStreamRetriesServerErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			http.Error(w, `{"message":"overloaded"}`, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("data: {\"event\":\"message_end\"}\n"))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	rc, err := client.ChatStream(context.Background(), &ChatRequest{Prompt: "hi"})
	require.NoError(t, err)
	rc.Close()

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestChatStreamBackoffDelaysIncrease(t *testing.T) {
	var mu sync.Mutex
	var arrivals []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		n := len(arrivals)
		mu.Unlock()
		if n <= 3 {
			http.Error(w, `{"message":"overloaded"}`, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("data: {\"event\":\"message_end\"}\n"))
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:        srv.URL,
		APIKey:         "test-key",
		User:           "tester",
		ChatTimeout:    10 * time.Second,
		APITimeout:     5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 20 * time.Millisecond,
		HTTPClient:     srv.Client(),
	}, logger.NewNop())
	require.NoError(t, err)

	rc, err := client.ChatStream(context.Background(), &ChatRequest{Prompt: "hi"})
	require.NoError(t, err)
	rc.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, arrivals, 4)
	// Each retry waits twice as long as the previous one.
	prev := time.Duration(0)
	for i := 1; i < len(arrivals); i++ {
		gap := arrivals[i].Sub(arrivals[i-1])
		assert.Greater(t, gap, prev, "gap before attempt %d", i+1)
		prev = gap
	}
}

func TestChatStreamRetryBudgetExhausted(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, `{"message":"down"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	_, err := client.ChatStream(context.Background(), &ChatRequest{Prompt: "hi"})
	require.Error(t, err)

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, KindUpstreamServerError, derr.Kind)
	// Initial attempt plus the full retry budget.
	assert.Equal(t, int32(4), atomic.LoadInt32(&attempts))
}

func TestChatStreamDoesNotRetryUnauthorized(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, `{"message":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	_, err := client.ChatStream(context.Background(), &ChatRequest{Prompt: "hi"})
	require.Error(t, err)

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, KindUnauthorized, derr.Kind)
	assert.False(t, derr.Retryable())
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestChatStreamDoesNotRetryClientErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, `{"message":"conversation not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	_, err := client.ChatStream(context.Background(), &ChatRequest{Prompt: "hi"})
	require.Error(t, err)

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, KindUpstreamRejected, derr.Kind)
	assert.Contains(t, derr.Message, "conversation not found")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestChatStreamRetriesRateLimited(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			http.Error(w, `{"message":"rate limit"}`, http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("data: {\"event\":\"message_end\"}\n"))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	rc, err := client.ChatStream(context.Background(), &ChatRequest{Prompt: "hi"})
	require.NoError(t, err)
	rc.Close()

	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestChatStreamClassifiesConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing is listening

	client, err := NewClient(Config{
		BaseURL:        srv.URL,
		APIKey:         "k",
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
	}, logger.NewNop())
	require.NoError(t, err)

	_, err = client.ChatStream(context.Background(), &ChatRequest{Prompt: "hi"})
	require.Error(t, err)

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, KindNetworkUnavailable, derr.Kind)
	assert.True(t, derr.Retryable())
}

func TestListConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations", r.URL.Path)
		assert.Equal(t, "tester", r.URL.Query().Get("user"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "conv-5", r.URL.Query().Get("last_id"))
		json.NewEncoder(w).Encode(conversationsResponse{
			Data: []conversationItem{
				{ID: "conv-6", Name: "Billing question", CreatedAt: 1700000000, UpdatedAt: 1700000600},
			},
			HasMore: true,
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	page, err := client.ListConversations(context.Background(), "conv-5", 20)
	require.NoError(t, err)

	assert.True(t, page.HasMore)
	require.Len(t, page.Summaries, 1)
	assert.Equal(t, "conv-6", page.Summaries[0].ID)
	assert.Equal(t, "Billing question", page.Summaries[0].Title)
	assert.Equal(t, time.Unix(1700000600, 0), page.Summaries[0].UpdatedAt)
}

func TestListMessagesConvertsPairs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "c1", r.URL.Query().Get("conversation_id"))
		json.NewEncoder(w).Encode(messagesResponse{
			Data: []messageItem{
				{
					ID:        "m1",
					Query:     "What is in the report?",
					Answer:    "Summary attached: [report.pdf](https://h/report.pdf)",
					CreatedAt: 1700000000,
					MessageFiles: []messageFileItem{
						{ID: "f1", Type: "image", URL: "https://h/chart.png", BelongsTo: "assistant"},
					},
				},
			},
			HasMore: false,
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	page, err := client.ListMessages(context.Background(), "c1", "", 20)
	require.NoError(t, err)

	assert.Equal(t, 1, page.Count)
	assert.Equal(t, "m1", page.LastID)
	require.Len(t, page.Messages, 2)

	user, assistant := page.Messages[0], page.Messages[1]
	assert.Equal(t, model.RoleUser, user.Role)
	assert.Equal(t, "What is in the report?", user.Content)
	assert.Equal(t, model.RoleAssistant, assistant.Role)
	assert.True(t, assistant.CreatedAt.After(user.CreatedAt))

	// Declared file plus the attachment reconstructed from the answer text.
	require.Len(t, assistant.Attachments, 2)
	assert.Equal(t, "f1", assistant.Attachments[0].ID)
	assert.Equal(t, "report.pdf", assistant.Attachments[1].Name)
}

func TestRenameConversation(t *testing.T) {
	var got renameRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conversations/c1/name", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	require.NoError(t, client.RenameConversation(context.Background(), "c1", "Renamed"))
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "tester", got.User)
	assert.False(t, got.AutoGenerate)
}

func TestStopStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat-messages/task-1/stop", r.URL.Path)
		w.Write([]byte(`{"result":"success"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	assert.NoError(t, client.StopStream(context.Background(), "task-1"))
}

func TestDeleteConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/conversations/c1", r.URL.Path)
		w.Write([]byte(`{"result":"success"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	assert.NoError(t, client.DeleteConversation(context.Background(), "c1"))
}

func TestErrorRetryableByKind(t *testing.T) {
	retryable := []ErrorKind{KindTimeout, KindNetworkUnavailable, KindRateLimited, KindUpstreamServerError}
	for _, k := range retryable {
		assert.True(t, (&Error{Kind: k}).Retryable(), string(k))
	}
	assert.False(t, (&Error{Kind: KindUnauthorized}).Retryable())
	assert.False(t, (&Error{Kind: KindUpstreamRejected}).Retryable())
}
