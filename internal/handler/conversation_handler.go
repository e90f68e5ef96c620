package handler

import (
	"net/http"
	"strconv"

	"sideline-chat/internal/services"
	"sideline-chat/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ConversationHandler struct {
	service *services.ConversationService
	reads   *services.ReadTracker
}

func NewConversationHandler(service *services.ConversationService, reads *services.ReadTracker) *ConversationHandler {
	return &ConversationHandler{service: service, reads: reads}
}

func (h *ConversationHandler) CreateDirect(c *gin.Context) {
	var req httpdto.CreateDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, "invalid request")
		return
	}
	userID, ok := callerID(c)
	if !ok {
		return
	}
	otherID, err := uuid.Parse(req.UserID)
	if err != nil {
		invalid(c, "invalid user_id")
		return
	}

	conv, err := h.service.FindOrCreateDirect(c.Request.Context(), userID, otherID)
	if err != nil {
		fail(c, err)
		return
	}
	h.respondSummary(c, conv.ID, userID)
}

func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	var req httpdto.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, "invalid request")
		return
	}
	userID, ok := callerID(c)
	if !ok {
		return
	}
	members, err := parseUUIDs(req.Members)
	if err != nil {
		fail(c, err)
		return
	}

	conv, err := h.service.CreateGroup(c.Request.Context(), services.CreateGroupInput{
		CreatorID: userID,
		Title:     req.Title,
		Members:   members,
	})
	if err != nil {
		fail(c, err)
		return
	}
	h.respondSummary(c, conv.ID, userID)
}

func (h *ConversationHandler) respondSummary(c *gin.Context, conversationID, userID uuid.UUID) {
	summary, err := h.service.Get(c.Request.Context(), conversationID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromSummary(summary)))
}

func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	includeArchived, _ := strconv.ParseBool(c.Query("include_archived"))

	items, err := h.service.List(c.Request.Context(), userID, includeArchived)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ListConversationsResponse{
		Conversations: httpdto.FromSummarySlice(items),
	}))
}

func (h *ConversationHandler) GetByID(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	conversationID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	h.respondSummary(c, conversationID, userID)
}

func (h *ConversationHandler) Participants(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	conversationID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	items, err := h.service.Participants(c.Request.Context(), conversationID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ListParticipantsResponse{
		Participants: httpdto.FromParticipantSlice(items),
	}))
}

func (h *ConversationHandler) AddParticipants(c *gin.Context) {
	var req httpdto.AddParticipantsRequest
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
	users, err := parseUUIDs(req.UserIDs)
	if err != nil {
		fail(c, err)
		return
	}
	added, err := h.service.AddParticipants(c.Request.Context(), conversationID, userID, users)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ListParticipantsResponse{
		Participants: httpdto.FromParticipantSlice(added),
	}))
}

// participantAction runs a participant-scoped mutation keyed by the :id param.
func (h *ConversationHandler) participantAction(c *gin.Context, action func(c *gin.Context, conversationID, userID uuid.UUID) error) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	conversationID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	if err := action(c, conversationID, userID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse[any](nil))
}

func (h *ConversationHandler) Archive(c *gin.Context) {
	h.participantAction(c, func(c *gin.Context, conversationID, userID uuid.UUID) error {
		return h.service.Archive(c.Request.Context(), conversationID, userID)
	})
}

func (h *ConversationHandler) Unarchive(c *gin.Context) {
	h.participantAction(c, func(c *gin.Context, conversationID, userID uuid.UUID) error {
		return h.service.Unarchive(c.Request.Context(), conversationID, userID)
	})
}

func (h *ConversationHandler) Leave(c *gin.Context) {
	h.participantAction(c, func(c *gin.Context, conversationID, userID uuid.UUID) error {
		return h.service.Leave(c.Request.Context(), conversationID, userID)
	})
}

func (h *ConversationHandler) MarkRead(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	conversationID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	p, err := h.reads.MarkRead(c.Request.Context(), conversationID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	resp := httpdto.MarkReadResponse{ConversationID: conversationID.String(), LastReadSeq: p.LastReadSeq}
	if p.LastReadAt.Valid {
		t := p.LastReadAt.Time
		resp.LastReadAt = &t
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(resp))
}

func (h *ConversationHandler) UnreadCount(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	conversationID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	count, err := h.reads.UnreadCount(c.Request.Context(), conversationID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.UnreadCountResponse{
		ConversationID: conversationID.String(),
		UnreadCount:    count,
	}))
}
