package dify

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/attach"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/model"
)

// ConversationPage is one page of the provider-side conversation list.
type ConversationPage struct {
	Summaries []model.ConversationSummary
	HasMore   bool
}

// MessagePage is one page of a conversation's message history, already
// converted to portal messages. LastID is the upstream cursor for the next
// page. Count is the number of upstream records in the page, which drives
// the short-page exhaustion check independently of the converted pair count.
type MessagePage struct {
	Messages []*model.Message
	HasMore  bool
	LastID   string
	Count    int
}

// ListConversations fetches one page of conversation summaries. lastID is the
// pagination cursor; empty fetches from the newest.
func (c *Client) ListConversations(ctx context.Context, lastID string, limit int) (*ConversationPage, error) {
	q := url.Values{}
	q.Set("user", c.cfg.User)
	q.Set("limit", strconv.Itoa(limit))
	if lastID != "" {
		q.Set("last_id", lastID)
	}

	var resp conversationsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/conversations?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	page := &ConversationPage{HasMore: resp.HasMore}
	for _, item := range resp.Data {
		page.Summaries = append(page.Summaries, model.ConversationSummary{
			ID:        item.ID,
			Title:     item.Name,
			CreatedAt: time.Unix(item.CreatedAt, 0),
			UpdatedAt: time.Unix(item.UpdatedAt, 0),
		})
	}
	return page, nil
}

// ListMessages fetches one page of a conversation's history. firstID is the
// pagination cursor (the oldest already-seen message id); empty fetches the
// most recent page.
func (c *Client) ListMessages(ctx context.Context, conversationID, firstID string, limit int) (*MessagePage, error) {
	q := url.Values{}
	q.Set("user", c.cfg.User)
	q.Set("conversation_id", conversationID)
	q.Set("limit", strconv.Itoa(limit))
	if firstID != "" {
		q.Set("first_id", firstID)
	}

	var resp messagesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/messages?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	page := &MessagePage{HasMore: resp.HasMore, Count: len(resp.Data)}
	for _, item := range resp.Data {
		page.LastID = item.ID
		page.Messages = append(page.Messages, c.convertHistoryItem(item)...)
	}
	return page, nil
}

// RenameConversation updates the provider-side display name. The opaque
// conversation identity is unchanged by a rename.
func (c *Client) RenameConversation(ctx context.Context, conversationID, name string) error {
	req := renameRequest{Name: name, User: c.cfg.User}
	if name == "" {
		req.AutoGenerate = true
	}
	return c.doJSON(ctx, http.MethodPost, "/conversations/"+conversationID+"/name", req, nil)
}

// DeleteConversation removes the provider-side conversation.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/conversations/"+conversationID, userRequest{User: c.cfg.User}, nil)
}

// StopStream asks the provider to stop generating for an in-flight task.
func (c *Client) StopStream(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodPost, "/chat-messages/"+taskID+"/stop", userRequest{User: c.cfg.User}, nil)
}

// convertHistoryItem expands one upstream history record into the user turn
// and the assistant answer it produced. Attachments the model emitted as
// plain text links are reconstructed from the answer and merged with the
// declared message files.
func (c *Client) convertHistoryItem(item messageItem) []*model.Message {
	created := time.Unix(item.CreatedAt, 0)
	var out []*model.Message

	var userFiles, agentFiles []model.FileAttachment
	for _, f := range item.MessageFiles {
		att := model.FileAttachment{
			ID:     f.ID,
			Name:   attach.Filename(f.URL),
			Kind:   historyFileKind(f),
			Origin: model.FileOriginAgent,
			URL:    f.URL,
		}
		if f.BelongsTo == "user" {
			att.Origin = model.FileOriginUser
			userFiles = append(userFiles, att)
		} else {
			agentFiles = append(agentFiles, att)
		}
	}

	if item.Query != "" {
		out = append(out, &model.Message{
			ID:          item.ID + ":q",
			Role:        model.RoleUser,
			Content:     item.Query,
			CreatedAt:   created,
			Attachments: userFiles,
		})
	}
	if item.Answer != "" {
		out = append(out, &model.Message{
			ID:          item.ID,
			Role:        model.RoleAssistant,
			Content:     item.Answer,
			CreatedAt:   created.Add(time.Second),
			Attachments: MergeAttachments(agentFiles, attach.Detect(item.Answer)),
		})
	}
	return out
}

func historyFileKind(f messageFileItem) model.FileKind {
	if kind, ok := attach.KindForName(attach.Filename(f.URL)); ok {
		return kind
	}
	return kindFromWire(f.Type)
}

// kindFromWire maps the provider's declared attachment kind onto the portal's
// classification when the filename alone is not enough.
func kindFromWire(wire string) model.FileKind {
	switch wire {
	case "image":
		return model.FileKindImage
	case "audio":
		return model.FileKindAudio
	case "video":
		return model.FileKindVideo
	default:
		return model.FileKindBinary
	}
}
