package handler

import (
	"context"
	"net/http"

	"sideline-chat/internal/domain/message"
	"sideline-chat/internal/policy"
	"sideline-chat/internal/services"
	"sideline-chat/internal/transport/httpdto"
	sideline_errors "sideline-chat/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type MessageHandler struct {
	service   *services.MessageService
	moderator policy.Moderator
}

func NewMessageHandler(service *services.MessageService, moderator policy.Moderator) *MessageHandler {
	if moderator == nil {
		moderator = policy.PassThrough()
	}
	return &MessageHandler{service: service, moderator: moderator}
}

// moderate returns the verdict to report back, or an error when the text is
// blocked or the checker is unavailable.
func (h *MessageHandler) moderate(ctx context.Context, content string) (string, error) {
	if content == "" {
		return "", nil
	}
	verdict, err := h.moderator.Check(ctx, content)
	if err != nil {
		return "", sideline_errors.Transient(err)
	}
	switch verdict {
	case policy.VerdictBlock:
		return "", sideline_errors.ErrModerationBlocked
	case policy.VerdictWarn:
		return string(policy.VerdictWarn), nil
	}
	return "", nil
}

func (h *MessageHandler) Send(c *gin.Context) {
	var req httpdto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, "invalid request")
		return
	}
	userID, ok := callerID(c)
	if !ok {
		return
	}
	conversationID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	in := services.SendInput{
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        req.Content,
		Type:           message.Type(req.Type),
		IdempotencyKey: req.IdempotencyKey,
		MediaRef:       req.MediaRef,
	}
	if in.Type == "" {
		in.Type = message.TypeText
	}
	if req.ReplyTo != "" {
		replyTo, err := uuid.Parse(req.ReplyTo)
		if err != nil {
			invalid(c, "invalid reply_to")
			return
		}
		in.ReplyTo = &replyTo
	}

	verdict, err := h.moderate(c.Request.Context(), req.Content)
	if err != nil {
		fail(c, err)
		return
	}

	result, err := h.service.Send(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, httpdto.NewSuccessResponse(httpdto.SendMessageResponse{
		Message:    services.MessagePayload(result.Message),
		Duplicate:  result.Duplicate,
		Moderation: verdict,
	}))
}

func (h *MessageHandler) List(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	conversationID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	limit, err := parseInt(c.Query("limit"))
	if err != nil || limit < 0 {
		invalid(c, "invalid limit")
		return
	}
	var before *uuid.UUID
	if raw := c.Query("before"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			invalid(c, "invalid before")
			return
		}
		before = &id
	}

	page, err := h.service.List(c.Request.Context(), conversationID, userID, before, limit)
	if err != nil {
		fail(c, err)
		return
	}

	resp := httpdto.ListMessagesResponse{
		Messages: make([]httpdto.MessageDTO, 0, len(page.Messages)),
		HasMore:  page.HasMore,
		Profiles: httpdto.FromProfiles(page.Profiles),
	}
	for _, m := range page.Messages {
		resp.Messages = append(resp.Messages, services.MessagePayload(m).ViewedBy(userID))
	}
	if page.HasMore && len(page.Messages) > 0 {
		resp.NextBefore = page.Messages[len(page.Messages)-1].ID.String()
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(resp))
}

func (h *MessageHandler) GetByID(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	messageID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	m, err := h.service.Get(c.Request.Context(), messageID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(services.MessagePayload(m).ViewedBy(userID)))
}

func (h *MessageHandler) Edit(c *gin.Context) {
	var req httpdto.EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, "invalid request")
		return
	}
	userID, ok := callerID(c)
	if !ok {
		return
	}
	messageID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	if _, err := h.moderate(c.Request.Context(), req.Content); err != nil {
		fail(c, err)
		return
	}

	m, err := h.service.Edit(c.Request.Context(), messageID, userID, req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(services.MessagePayload(m)))
}

func (h *MessageHandler) Delete(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	messageID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), messageID, userID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse[any](nil))
}
