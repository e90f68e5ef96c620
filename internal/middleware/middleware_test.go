package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"sideline-chat/internal/redis"
	"sideline-chat/internal/services"
	sideline_errors "sideline-chat/pkg/errors"
	"sideline-chat/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticVerifier struct {
	token  string
	userID uuid.UUID
}

func (v staticVerifier) Verify(token string) (uuid.UUID, error) {
	if token != v.token {
		return uuid.Nil, sideline_errors.ErrUnauthorized
	}
	return v.userID, nil
}

func TestAuthMiddleware(t *testing.T) {
	userID := uuid.New()
	r := gin.New()
	r.Use(AuthMiddleware(staticVerifier{token: "good", userID: userID}))
	r.GET("/me", func(c *gin.Context) {
		id, _ := services.UserIDFromContext(c.Request.Context())
		c.String(http.StatusOK, id.String())
	})

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer header", "Bearer good", "", http.StatusOK},
		{"lowercase scheme", "bearer good", "", http.StatusOK},
		{"query token", "", "?access_token=good", http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong token", "Bearer bad", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me"+tc.query, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if resp.Code != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, resp.Code)
			continue
		}
		if tc.want == http.StatusOK && resp.Body.String() != userID.String() {
			t.Errorf("%s: expected user id in context, got %q", tc.name, resp.Body.String())
		}
	}
}

func TestErrorHandlerMapsErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
		code string
	}{
		{sideline_errors.Validation("bad input"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{sideline_errors.ErrNotAParticipant, http.StatusForbidden, "NOT_A_PARTICIPANT"},
		{fmt.Errorf("lookup: %w", sideline_errors.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{sideline_errors.Transient(errors.New("db down")), http.StatusServiceUnavailable, "TRANSIENT_FAILURE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		r := gin.New()
		r.Use(ErrorHandler(logger.Nop()))
		err := tc.err
		r.GET("/", func(c *gin.Context) {
			_ = c.Error(err)
			c.Abort()
		})

		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		if resp.Code != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, resp.Code)
			continue
		}
		var body struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
			Code    string `json:"code"`
		}
		if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Success || body.Code != tc.code {
			t.Errorf("%v: unexpected body %+v", tc.err, body)
		}
		if tc.want == http.StatusInternalServerError && body.Error != "internal error" {
			t.Errorf("expected internal details hidden, got %q", body.Error)
		}
	}
}

func TestErrorHandlerLeavesWrittenResponses(t *testing.T) {
	r := gin.New()
	r.Use(ErrorHandler(nil))
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusTeapot, "already answered")
		_ = c.Error(errors.New("late"))
	})
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	if resp.Code != http.StatusTeapot || resp.Body.String() != "already answered" {
		t.Fatalf("expected the handler's response untouched, got %d %q", resp.Code, resp.Body.String())
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		id, _ := c.Request.Context().Value(logger.RequestIdKey).(string)
		c.String(http.StatusOK, id)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Header().Get("X-Request-Id") != "abc-123" || resp.Body.String() != "abc-123" {
		t.Fatalf("expected the incoming id propagated, got %q", resp.Header().Get("X-Request-Id"))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", strings.Repeat("x", 65))
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if got := resp.Header().Get("X-Request-Id"); len(got) != 32 {
		t.Fatalf("expected an oversized id replaced, got %q", got)
	}
}

type countingLimiter struct {
	limit int
	seen  map[uuid.UUID]int
	err   error
}

func (l *countingLimiter) AllowMessage(_ context.Context, userID uuid.UUID) (*redis.RateLimitResult, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.seen[userID]++
	remaining := l.limit - l.seen[userID]
	if remaining < 0 {
		remaining = 0
	}
	return &redis.RateLimitResult{
		Allowed:   l.seen[userID] <= l.limit,
		Remaining: remaining,
		ResetIn:   time.Minute,
		Limit:     l.limit,
	}, nil
}

func TestMessageRateLimitMiddleware(t *testing.T) {
	userID := uuid.New()
	limiter := &countingLimiter{limit: 2, seen: map[uuid.UUID]int{}}
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(services.WithUserContext(c.Request.Context(), userID))
		c.Next()
	})
	r.POST("/send", MessageRateLimitMiddleware(limiter), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})

	for i := 1; i <= 3; i++ {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/send", nil))
		want := http.StatusCreated
		if i == 3 {
			want = http.StatusTooManyRequests
		}
		if resp.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, resp.Code)
		}
		if resp.Header().Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("request %d: missing rate limit headers", i)
		}
	}
}
