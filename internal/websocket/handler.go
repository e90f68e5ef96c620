package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sideline-chat/internal/realtime"
	"sideline-chat/internal/services"
	"sideline-chat/internal/transport/httpdto"
	sideline_errors "sideline-chat/pkg/errors"
)

// Subscriber is satisfied by realtime.Bus.
type Subscriber interface {
	Subscribe(ctx context.Context, userID uuid.UUID) (*realtime.Subscription, error)
}

type Handler struct {
	bus      Subscriber
	log      *Logger
	upgrader websocket.Upgrader
}

func NewHandler(bus Subscriber, log *Logger) *Handler {
	return &Handler{
		bus: bus,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Connect upgrades an authenticated request into the caller's event stream.
// Membership is loaded before the upgrade so a failing lookup is still an
// HTTP error.
func (h *Handler) Connect(c *gin.Context) {
	userID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := h.bus.Subscribe(ctx, userID)
	if err != nil {
		c.JSON(sideline_errors.HTTPStatus(err), httpdto.NewErrorResponse(err.Error(), sideline_errors.Code(err)))
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("upgrade_failed", userID, sub.ID, err)
		return
	}
	h.log.Info("connected", userID, sub.ID)

	client := NewClient(conn, sub, h.log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.WriteLoop(ctx)
	}()

	client.ReadLoop()
	cancel()
	<-done
	h.log.Info("disconnected", userID, sub.ID)
}
