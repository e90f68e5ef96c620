package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"sideline-chat/config"
	"sideline-chat/internal/handler"
	"sideline-chat/internal/identity"
	"sideline-chat/internal/metrics"
	"sideline-chat/internal/outbox"
	"sideline-chat/internal/policy"
	"sideline-chat/internal/realtime"
	"sideline-chat/internal/repository/memory"
	"sideline-chat/internal/server"
	"sideline-chat/internal/services"
	"sideline-chat/internal/storage"
	"sideline-chat/internal/websocket"
	"sideline-chat/pkg/events"
	"sideline-chat/pkg/logger"
	"sideline-chat/pkg/syncclient"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type testStack struct {
	engine   *gin.Engine
	verifier *identity.Verifier
}

func newStack(t *testing.T, moderator policy.Moderator) *testStack {
	t.Helper()
	cfg := &config.Config{AppPort: "0", AppMode: server.TestMode}
	l := logger.Nop()
	registry := prometheus.NewRegistry()
	collectors := metrics.New(registry)

	store := memory.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	bus := realtime.NewBus(store.Repos().Conversations, realtime.Options{Logger: l, Metrics: collectors})
	go bus.Run(ctx)
	processor := outbox.NewProcessor(store.Repos().Outbox, bus, outbox.Options{Interval: 10 * time.Millisecond, Logger: l})
	runner := outbox.NewRunner(processor)
	runner.Start(ctx)
	t.Cleanup(func() {
		cancel()
		runner.Wait()
	})

	if moderator == nil {
		moderator = policy.PassThrough()
	}
	verifier := identity.NewVerifier("test-secret", "sideline")
	srv := server.New(cfg, l)
	srv.SetupRoutes(&server.Handlers{
		Conversations: handler.NewConversationHandler(
			services.NewConversationService(store, nil, processor, l),
			services.NewReadTracker(store, processor),
		),
		Messages:  handler.NewMessageHandler(services.NewMessageService(store, nil, processor, collectors, l), moderator),
		Reactions: handler.NewReactionHandler(services.NewReactionService(store, processor)),
		Uploads:   handler.NewUploadHandler(storage.NewMemoryStore(), 1024),
		Stream:    websocket.NewHandler(bus, websocket.NewLogger(l)),
	}, server.Dependencies{Verifier: verifier, Gatherer: registry})
	return &testStack{engine: srv.Engine(), verifier: verifier}
}

func (s *testStack) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := s.verifier.Issue(userID, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token
}

func (s *testStack) do(t *testing.T, user uuid.UUID, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+s.token(t, user))
	}
	resp := httptest.NewRecorder()
	s.engine.ServeHTTP(resp, req)

	var env envelope
	if resp.Body.Len() > 0 {
		if err := json.Unmarshal(resp.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, resp.Body.String())
		}
	}
	return resp, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return out
}

func (s *testStack) direct(t *testing.T, a, b uuid.UUID) string {
	t.Helper()
	resp, env := s.do(t, a, http.MethodPost, "/v1/conversations/direct", map[string]string{"user_id": b.String()})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	return decode[struct {
		ID string `json:"id"`
	}](t, env).ID
}

func TestPingAndMetrics(t *testing.T) {
	s := newStack(t, nil)

	resp, _ := s.do(t, uuid.Nil, http.MethodGet, "/ping", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequiresAuthentication(t *testing.T) {
	s := newStack(t, nil)

	resp, env := s.do(t, uuid.Nil, http.MethodGet, "/v1/conversations", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if env.Success || env.Code != "UNAUTHORIZED" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rec.Code)
	}
}

func TestMessagingOverHTTP(t *testing.T) {
	s := newStack(t, nil)
	alice, bob, eve := uuid.New(), uuid.New(), uuid.New()
	conv := s.direct(t, alice, bob)
	if again := s.direct(t, bob, alice); again != conv {
		t.Fatalf("expected the same conversation, got %s and %s", conv, again)
	}

	body := map[string]string{"content": "hi bob", "idempotency_key": "k1"}
	resp, env := s.do(t, alice, http.MethodPost, "/v1/conversations/"+conv+"/messages", body)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	sent := decode[struct {
		Message   events.MessagePayload `json:"message"`
		Duplicate bool                  `json:"duplicate"`
	}](t, env)
	if sent.Message.Seq != 1 || sent.Duplicate {
		t.Fatalf("unexpected send result %+v", sent)
	}

	resp, env = s.do(t, alice, http.MethodPost, "/v1/conversations/"+conv+"/messages", body)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for a retried send, got %d", resp.Code)
	}
	if retry := decode[struct {
		Message   events.MessagePayload `json:"message"`
		Duplicate bool                  `json:"duplicate"`
	}](t, env); !retry.Duplicate || retry.Message.ID != sent.Message.ID {
		t.Fatalf("expected the original message back, got %+v", retry)
	}

	resp, _ = s.do(t, eve, http.MethodPost, "/v1/conversations/"+conv+"/messages", map[string]string{"content": "let me in"})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a stranger, got %d", resp.Code)
	}
	resp, _ = s.do(t, alice, http.MethodPost, "/v1/conversations/"+conv+"/messages", map[string]string{"content": ""})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty content, got %d", resp.Code)
	}

	resp, env = s.do(t, bob, http.MethodGet, "/v1/conversations/"+conv+"/unread", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if unread := decode[struct {
		UnreadCount int64 `json:"unread_count"`
	}](t, env); unread.UnreadCount != 1 {
		t.Fatalf("expected 1 unread, got %d", unread.UnreadCount)
	}

	resp, _ = s.do(t, bob, http.MethodPost, "/v1/messages/"+sent.Message.ID.String()+"/reactions", map[string]string{"symbol": "👍"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 reacting, got %d", resp.Code)
	}
	resp, env = s.do(t, alice, http.MethodGet, "/v1/messages/"+sent.Message.ID.String()+"/reactions", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	reactions := decode[struct {
		Reactions []struct {
			Symbol string `json:"symbol"`
			Count  int    `json:"count"`
		} `json:"reactions"`
	}](t, env)
	if len(reactions.Reactions) != 1 || reactions.Reactions[0].Count != 1 {
		t.Fatalf("unexpected reactions %+v", reactions)
	}

	resp, _ = s.do(t, bob, http.MethodPatch, "/v1/messages/"+sent.Message.ID.String(), map[string]string{"content": "edited"})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 editing someone else's message, got %d", resp.Code)
	}
	resp, _ = s.do(t, alice, http.MethodPatch, "/v1/messages/"+sent.Message.ID.String(), map[string]string{"content": "hi bob!"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 editing, got %d", resp.Code)
	}

	resp, env = s.do(t, bob, http.MethodPost, "/v1/conversations/"+conv+"/read", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 marking read, got %d", resp.Code)
	}
	if read := decode[struct {
		LastReadSeq int64 `json:"last_read_seq"`
	}](t, env); read.LastReadSeq != 1 {
		t.Fatalf("expected watermark 1, got %d", read.LastReadSeq)
	}

	resp, env = s.do(t, bob, http.MethodGet, "/v1/conversations/"+conv+"/messages?limit=10", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 listing, got %d", resp.Code)
	}
	page := decode[struct {
		Messages []events.MessagePayload `json:"messages"`
		HasMore  bool                    `json:"has_more"`
		Profiles []struct {
			UserID string `json:"user_id"`
		} `json:"profiles"`
	}](t, env)
	if len(page.Messages) != 1 || page.Messages[0].Content != "hi bob!" || page.HasMore {
		t.Fatalf("unexpected page %+v", page)
	}
	if len(page.Profiles) != 1 || page.Profiles[0].UserID != alice.String() {
		t.Fatalf("unexpected profiles %+v", page.Profiles)
	}
	if page.Messages[0].IdempotencyKey != "" {
		t.Fatalf("expected the sender's key hidden from bob, got %q", page.Messages[0].IdempotencyKey)
	}
	_, env = s.do(t, alice, http.MethodGet, "/v1/messages/"+sent.Message.ID.String(), nil)
	if own := decode[events.MessagePayload](t, env); own.IdempotencyKey != "k1" {
		t.Fatalf("expected alice to see her key, got %q", own.IdempotencyKey)
	}

	resp, _ = s.do(t, alice, http.MethodDelete, "/v1/messages/"+sent.Message.ID.String(), nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 deleting, got %d", resp.Code)
	}
	resp, env = s.do(t, bob, http.MethodGet, "/v1/messages/"+sent.Message.ID.String(), nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 reading a tombstone, got %d", resp.Code)
	}
	if tomb := decode[events.MessagePayload](t, env); !tomb.Deleted || tomb.Content != "" {
		t.Fatalf("expected a redacted tombstone, got %+v", tomb)
	}

	resp, _ = s.do(t, alice, http.MethodGet, "/v1/messages/"+uuid.NewString(), nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestArchiveAndLeaveOverHTTP(t *testing.T) {
	s := newStack(t, nil)
	alice, bob := uuid.New(), uuid.New()
	conv := s.direct(t, alice, bob)

	if resp, _ := s.do(t, alice, http.MethodPost, "/v1/conversations/"+conv+"/archive", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 archiving, got %d", resp.Code)
	}
	_, env := s.do(t, alice, http.MethodGet, "/v1/conversations", nil)
	list := decode[struct {
		Conversations []struct {
			ID string `json:"id"`
		} `json:"conversations"`
	}](t, env)
	if len(list.Conversations) != 0 {
		t.Fatalf("expected archived conversation hidden, got %d", len(list.Conversations))
	}
	_, env = s.do(t, alice, http.MethodGet, "/v1/conversations?include_archived=true", nil)
	list = decode[struct {
		Conversations []struct {
			ID string `json:"id"`
		} `json:"conversations"`
	}](t, env)
	if len(list.Conversations) != 1 {
		t.Fatalf("expected archived conversation listed on request, got %d", len(list.Conversations))
	}

	if resp, _ := s.do(t, alice, http.MethodDelete, "/v1/conversations/"+conv+"/archive", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 unarchiving, got %d", resp.Code)
	}
	if resp, _ := s.do(t, alice, http.MethodPost, "/v1/conversations/"+conv+"/leave", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 leaving, got %d", resp.Code)
	}
	if resp, _ := s.do(t, alice, http.MethodGet, "/v1/conversations/"+conv+"/messages", nil); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after leaving, got %d", resp.Code)
	}
}

func TestModerationOverHTTP(t *testing.T) {
	s := newStack(t, policy.ModeratorFunc(func(_ context.Context, text string) (policy.Verdict, error) {
		switch {
		case strings.Contains(text, "forbidden"):
			return policy.VerdictBlock, nil
		case strings.Contains(text, "iffy"):
			return policy.VerdictWarn, nil
		}
		return policy.VerdictAllow, nil
	}))
	alice, bob := uuid.New(), uuid.New()
	conv := s.direct(t, alice, bob)

	resp, env := s.do(t, alice, http.MethodPost, "/v1/conversations/"+conv+"/messages", map[string]string{"content": "forbidden words"})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.Code)
	}
	if env.Success {
		t.Fatal("expected an error envelope")
	}

	resp, env = s.do(t, alice, http.MethodPost, "/v1/conversations/"+conv+"/messages", map[string]string{"content": "iffy words"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	if got := decode[struct {
		Moderation string `json:"moderation"`
	}](t, env); got.Moderation != "warn" {
		t.Fatalf("expected a warn verdict, got %q", got.Moderation)
	}
}

func TestUploadOverHTTP(t *testing.T) {
	s := newStack(t, nil)
	alice := uuid.New()

	upload := func(data []byte) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, _ := w.CreateFormFile("file", "pic.png")
		part.Write(data)
		w.Close()
		req := httptest.NewRequest(http.MethodPost, "/v1/media", &buf)
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+s.token(t, alice))
		rec := httptest.NewRecorder()
		s.engine.ServeHTTP(rec, req)
		return rec
	}

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
	if rec := upload(png); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := upload(make([]byte, 4096)); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestSyncClientAgainstServer(t *testing.T) {
	s := newStack(t, nil)
	ts := httptest.NewServer(s.engine)
	defer ts.Close()

	alice, bob := uuid.New(), uuid.New()
	aliceAPI := syncclient.NewHTTPClient(ts.URL, s.token(t, alice), nil)
	bobAPI := syncclient.NewHTTPClient(ts.URL, s.token(t, bob), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv, err := aliceAPI.FindOrCreateDirect(ctx, bob)
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}

	bobClient := syncclient.New(bobAPI, bob, syncclient.TimelineOptions{}, nil)
	frames := make(chan events.Frame, 16)
	stream := syncclient.NewStream(bobAPI.StreamURL(), nil)
	go stream.Run(ctx, func(f events.Frame) {
		bobClient.HandleFrame(ctx, f)
		select {
		case frames <- f:
		default:
		}
	})
	select {
	case f := <-frames:
		if f.Kind != events.FrameReady {
			t.Fatalf("expected a ready frame first, got %s", f.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the stream")
	}

	aliceTimeline := syncclient.NewTimeline(aliceAPI, conv, alice, syncclient.TimelineOptions{})
	if _, err := aliceTimeline.Send(ctx, syncclient.Draft{Content: "hello over the wire"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		entries := bobClient.Timeline(conv).Entries()
		if len(entries) == 1 && entries[0].Message.Content == "hello over the wire" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bob never saw the message, has %+v", entries)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := bobClient.Timeline(conv).MarkRead(ctx); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n := bobClient.Timeline(conv).UnreadCount(); n != 0 {
		t.Fatalf("expected 0 unread after marking read, got %d", n)
	}

	if err := bobClient.Timeline(conv).Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := bobAPI.ListMessages(ctx, conv, nil, 10); err == nil {
		t.Fatal("expected listing to fail after leaving")
	}
}
