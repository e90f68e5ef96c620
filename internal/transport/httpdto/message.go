package httpdto

import (
	"sort"
	"time"

	"sideline-chat/internal/domain/message"
	"sideline-chat/internal/policy"
	"sideline-chat/pkg/events"

	"github.com/google/uuid"
)

// SendMessageRequest is used for POST /v1/conversations/:id/messages
type SendMessageRequest struct {
	Content        string `json:"content"`
	Type           string `json:"type"`
	IdempotencyKey string `json:"idempotency_key"`
	MediaRef       string `json:"media_ref"`
	ReplyTo        string `json:"reply_to"`
}

// EditMessageRequest is used for PATCH /v1/messages/:id
type EditMessageRequest struct {
	Content string `json:"content"`
}

// MessageDTO shares its JSON shape with events.MessagePayload so clients
// decode history and realtime events the same way.
type MessageDTO = events.MessagePayload

type SendMessageResponse struct {
	Message    MessageDTO `json:"message"`
	Duplicate  bool       `json:"duplicate"`
	Moderation string     `json:"moderation,omitempty"`
}

type ProfileDTO struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type ListMessagesResponse struct {
	Messages []MessageDTO `json:"messages"`
	HasMore  bool         `json:"has_more"`
	// NextBefore is the anchor for the next older page.
	NextBefore string       `json:"next_before,omitempty"`
	Profiles   []ProfileDTO `json:"profiles"`
}

// ReactionRequest is used for POST and DELETE /v1/messages/:id/reactions
type ReactionRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

type ReactionCountDTO struct {
	Symbol  string   `json:"symbol"`
	Count   int      `json:"count"`
	UserIDs []string `json:"user_ids"`
}

type ListReactionsResponse struct {
	MessageID string             `json:"message_id"`
	Reactions []ReactionCountDTO `json:"reactions"`
}

// UploadMediaResponse is returned by POST /v1/media
type UploadMediaResponse struct {
	MediaRef    string    `json:"media_ref"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	URL         string    `json:"url,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

func FromProfiles(profiles map[uuid.UUID]policy.Profile) []ProfileDTO {
	out := make([]ProfileDTO, 0, len(profiles))
	for id, p := range profiles {
		out = append(out, ProfileDTO{UserID: id.String(), DisplayName: p.DisplayName, AvatarURL: p.AvatarURL})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func FromReactionCounts(counts []message.ReactionCount) []ReactionCountDTO {
	out := make([]ReactionCountDTO, 0, len(counts))
	for _, c := range counts {
		ids := make([]string, 0, len(c.UserIDs))
		for _, id := range c.UserIDs {
			ids = append(ids, id.String())
		}
		out = append(out, ReactionCountDTO{Symbol: c.Symbol, Count: c.Count, UserIDs: ids})
	}
	return out
}
