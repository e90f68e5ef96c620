package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"sideline-chat/config"
	"sideline-chat/internal/handler"
	"sideline-chat/internal/middleware"
	"sideline-chat/internal/transport/httpdto"
	"sideline-chat/internal/websocket"
	"sideline-chat/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	Conversations *handler.ConversationHandler
	Messages      *handler.MessageHandler
	Reactions     *handler.ReactionHandler
	Uploads       *handler.UploadHandler
	Stream        *websocket.Handler
}

// Dependencies are the collaborators routes need beyond the handlers.
type Dependencies struct {
	Verifier middleware.TokenVerifier
	// Limiter is optional; sends are unlimited without it.
	Limiter middleware.MessageLimiter
	// Health reports whether backing stores are reachable.
	Health   func(ctx context.Context) error
	Gatherer prometheus.Gatherer
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

// Engine exposes the router, mainly for httptest.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) SetupRoutes(handlers *Handlers, deps Dependencies) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(err.Error(), "UNHEALTHY"))
				return
			}
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	if deps.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	auth := middleware.AuthMiddleware(deps.Verifier)
	sendLimit := func(c *gin.Context) { c.Next() }
	if deps.Limiter != nil {
		sendLimit = middleware.MessageRateLimitMiddleware(deps.Limiter)
	}

	v1 := s.engine.Group("/v1", auth)

	conversations := v1.Group("/conversations")
	{
		conversations.GET("", handlers.Conversations.List)
		conversations.POST("/direct", handlers.Conversations.CreateDirect)
		conversations.POST("/group", handlers.Conversations.CreateGroup)
		conversations.GET("/:id", handlers.Conversations.GetByID)
		conversations.GET("/:id/participants", handlers.Conversations.Participants)
		conversations.POST("/:id/participants", handlers.Conversations.AddParticipants)
		conversations.POST("/:id/archive", handlers.Conversations.Archive)
		conversations.DELETE("/:id/archive", handlers.Conversations.Unarchive)
		conversations.POST("/:id/leave", handlers.Conversations.Leave)
		conversations.POST("/:id/read", handlers.Conversations.MarkRead)
		conversations.GET("/:id/unread", handlers.Conversations.UnreadCount)
		conversations.GET("/:id/messages", handlers.Messages.List)
		conversations.POST("/:id/messages", sendLimit, handlers.Messages.Send)
	}

	messages := v1.Group("/messages")
	{
		messages.GET("/:id", handlers.Messages.GetByID)
		messages.PATCH("/:id", handlers.Messages.Edit)
		messages.DELETE("/:id", handlers.Messages.Delete)
		messages.GET("/:id/reactions", handlers.Reactions.List)
		messages.POST("/:id/reactions", handlers.Reactions.Add)
		messages.DELETE("/:id/reactions/:symbol", handlers.Reactions.Remove)
	}

	if handlers.Uploads != nil {
		v1.POST("/media", handlers.Uploads.Upload)
	}
	if handlers.Stream != nil {
		v1.GET("/stream", handlers.Stream.Connect)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.logger != nil {
			s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		}
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil && s.logger != nil {
			s.logger.Errorf("Error in starting the server: %s", err)
		}
		return err
	case <-ctx.Done():
	}

	if s.logger != nil {
		s.logger.Infof("Quitting signal received.. Shutting down after 5 seconds")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		if s.logger != nil {
			s.logger.Infof("Error in the graceful shutdown of the server: %s", err)
		}
		return err
	}

	if s.logger != nil {
		s.logger.Infof("Server stopped gracefully")
	}
	return nil
}
