// Package history provides a pull-based, time-boxed cache of provider-side
// conversation history with cursor pagination.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/dify"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/model"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/logger"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/metrics"
)

// Fetcher fetches history pages from the upstream provider. *dify.Client
// satisfies it.
type Fetcher interface {
	ListConversations(ctx context.Context, lastID string, limit int) (*dify.ConversationPage, error)
	ListMessages(ctx context.Context, conversationID, firstID string, limit int) (*dify.MessagePage, error)
}

// Options tunes the cache.
type Options struct {
	// PageSize is the upstream page size. Default 20.
	PageSize int
	// SummaryTTL bounds the age of the conversation list. Default 5m.
	SummaryTTL time.Duration
	// MessagesTTL bounds the age of a complete message page. Default 10m.
	MessagesTTL time.Duration
}

type summaryEntry struct {
	items     []model.ConversationSummary
	fetchedAt time.Time
	hasMore   bool
	lastID    string
	valid     bool
}

type messageEntry struct {
	msgs      []*model.Message
	fetchedAt time.Time
	complete  bool
}

// Cache caches conversation summaries and per-conversation message pages.
// Writers merge rather than blindly overwrite: a refresh bumps the summary
// generation, and load-more results fetched against a now-stale cursor are
// discarded.
type Cache struct {
	mu      sync.Mutex
	fetcher Fetcher
	opts    Options
	logger  *logger.Logger

	summary summaryEntry
	gen     uint64
	pages   map[string]*messageEntry
}

// New creates a history cache over the given fetcher.
func New(fetcher Fetcher, opts Options, log *logger.Logger) *Cache {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.SummaryTTL <= 0 {
		opts.SummaryTTL = 5 * time.Minute
	}
	if opts.MessagesTTL <= 0 {
		opts.MessagesTTL = 10 * time.Minute
	}
	return &Cache{
		fetcher: fetcher,
		opts:    opts,
		logger:  log,
		pages:   make(map[string]*messageEntry),
	}
}

// ListConversations returns the conversation summary list. A cached list
// younger than the TTL is returned as-is unless the caller forces a refresh
// or pages further; a refresh replaces the cached list, a load-more appends
// the next page at the cached cursor.
func (c *Cache) ListConversations(ctx context.Context, forceRefresh, loadMore bool) ([]model.ConversationSummary, bool, error) {
	c.mu.Lock()
	fresh := c.summary.valid && time.Since(c.summary.fetchedAt) < c.opts.SummaryTTL
	if fresh && !forceRefresh && !loadMore {
		items, hasMore := cloneSummaries(c.summary.items), c.summary.hasMore
		c.mu.Unlock()
		metrics.RecordCacheLookup("summary", true)
		return items, hasMore, nil
	}

	cursor := ""
	if loadMore {
		cursor = c.summary.lastID
	} else {
		// A refresh claims a new generation; load-more results racing against
		// it carry the old one and are discarded on arrival.
		c.gen++
	}
	gen := c.gen
	c.mu.Unlock()
	metrics.RecordCacheLookup("summary", false)

	page, err := c.fetcher.ListConversations(ctx, cursor, c.opts.PageSize)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if loadMore {
		if gen != c.gen {
			c.logger.Debug("discarding load-more page fetched against a stale cursor")
			return cloneSummaries(c.summary.items), c.summary.hasMore, nil
		}
		c.summary.items = append(c.summary.items, page.Summaries...)
	} else {
		c.summary.items = page.Summaries
	}
	c.summary.hasMore = page.HasMore
	if n := len(page.Summaries); n > 0 {
		c.summary.lastID = page.Summaries[n-1].ID
	}
	c.summary.fetchedAt = time.Now()
	c.summary.valid = true

	return cloneSummaries(c.summary.items), c.summary.hasMore, nil
}

// LoadMessages returns the full message history for one conversation. A
// complete cached page younger than the TTL is returned as-is; otherwise
// pages are fetched to exhaustion, concatenated, and sorted by timestamp
// ascending, since the upstream does not guarantee order across pages.
func (c *Cache) LoadMessages(ctx context.Context, conversationID string) ([]*model.Message, error) {
	c.mu.Lock()
	if e, ok := c.pages[conversationID]; ok && e.complete && time.Since(e.fetchedAt) < c.opts.MessagesTTL {
		msgs := cloneMessages(e.msgs)
		c.mu.Unlock()
		metrics.RecordCacheLookup("messages", true)
		return msgs, nil
	}
	c.mu.Unlock()
	metrics.RecordCacheLookup("messages", false)

	var all []*model.Message
	cursor := ""
	for {
		page, err := c.fetcher.ListMessages(ctx, conversationID, cursor, c.opts.PageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Messages...)
		// A short page means the history is exhausted.
		if page.Count < c.opts.PageSize || !page.HasMore || page.LastID == "" {
			break
		}
		cursor = page.LastID
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	c.mu.Lock()
	c.pages[conversationID] = &messageEntry{
		msgs:      all,
		fetchedAt: time.Now(),
		complete:  true,
	}
	c.mu.Unlock()

	c.logger.Debug("message history cached",
		zap.String("conversation_id", conversationID),
		zap.Int("messages", len(all)),
	)
	return cloneMessages(all), nil
}

// Invalidate drops the cached message page for one conversation.
func (c *Cache) Invalidate(conversationID string) {
	c.mu.Lock()
	delete(c.pages, conversationID)
	c.mu.Unlock()
}

// InvalidateSummaries drops the cached conversation list.
func (c *Cache) InvalidateSummaries() {
	c.mu.Lock()
	c.summary = summaryEntry{}
	c.mu.Unlock()
}

func cloneSummaries(in []model.ConversationSummary) []model.ConversationSummary {
	out := make([]model.ConversationSummary, len(in))
	copy(out, in)
	return out
}

func cloneMessages(in []*model.Message) []*model.Message {
	out := make([]*model.Message, len(in))
	copy(out, in)
	return out
}
