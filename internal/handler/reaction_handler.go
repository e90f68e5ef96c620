package handler

import (
	"net/http"

	"sideline-chat/internal/services"
	"sideline-chat/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type ReactionHandler struct {
	service *services.ReactionService
}

func NewReactionHandler(service *services.ReactionService) *ReactionHandler {
	return &ReactionHandler{service: service}
}

func (h *ReactionHandler) Add(c *gin.Context) {
	var req httpdto.ReactionRequest
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
	if err := h.service.Add(c.Request.Context(), messageID, userID, req.Symbol); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse[any](nil))
}

// Remove takes the symbol from the path; clients percent-encode emoji.
func (h *ReactionHandler) Remove(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	messageID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	if err := h.service.Remove(c.Request.Context(), messageID, userID, c.Param("symbol")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse[any](nil))
}

func (h *ReactionHandler) List(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	messageID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	counts, err := h.service.List(c.Request.Context(), messageID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ListReactionsResponse{
		MessageID: messageID.String(),
		Reactions: httpdto.FromReactionCounts(counts),
	}))
}
