// Package syncclient keeps a client-side view of conversations consistent
// with the server. Outgoing messages appear immediately as placeholders and
// are reconciled with the server's copy through an idempotency token; history
// is paged in by anchor message; realtime events are de-duplicated by id.
package syncclient

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/singleflight"

	sideline_errors "sideline-chat/pkg/errors"
	"sideline-chat/pkg/events"
)

var (
	ErrSendTimeout    = errors.New("send not acknowledged in time")
	ErrNotRetryable   = errors.New("message is not in a failed state")
	ErrUnknownMessage = errors.New("unknown local message")
)

const (
	defaultPageSize     = 50
	defaultSendTimeout  = 10 * time.Second
	defaultDedupeWindow = 4096
)

// Draft is what the user composed. It is handed back when a send fails.
type Draft struct {
	Content  string
	Type     string
	MediaRef string
	ReplyTo  *uuid.UUID
}

// Entry is one row of the rendered timeline. Placeholders carry a TempID and
// a nil Message.ID until confirmed.
type Entry struct {
	TempID    string
	State     MessageState
	Message   events.MessagePayload
	Reactions map[string]int
}

type TimelineOptions struct {
	PageSize    int
	SendTimeout time.Duration
	// OnSendFailed is called once per failed attempt with the draft to put
	// back into the composer.
	OnSendFailed func(tempID string, draft Draft, err error)
	// DedupeWindow is how many recent event ids are remembered.
	DedupeWindow int
}

type pendingSend struct {
	tempID    string
	token     string
	draft     Draft
	state     MessageState
	attempt   int
	createdAt time.Time
}

// Timeline is the local state of one conversation. All methods are safe for
// concurrent use.
type Timeline struct {
	conversationID uuid.UUID
	self           uuid.UUID
	api            API
	opts           TimelineOptions
	loads          singleflight.Group

	mu          sync.Mutex
	messages    map[uuid.UUID]events.MessagePayload
	seqs        map[int64]struct{}
	pending     *orderedmap.OrderedMap[string, *pendingSend]
	reactions   map[uuid.UUID]map[string]map[uuid.UUID]struct{}
	seen        *eventWindow
	oldest      *uuid.UUID
	newestSeq   int64
	// syncedSeq is the highest seq up to which the loaded range has no
	// holes. newestSeq runs ahead of it when a send is confirmed while
	// events were being missed.
	syncedSeq   int64
	hasMore     bool
	loaded      bool
	state       ConversationState
	lastReadSeq int64
}

func NewTimeline(api API, conversationID, self uuid.UUID, opts TimelineOptions) *Timeline {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = defaultDedupeWindow
	}
	return &Timeline{
		conversationID: conversationID,
		self:           self,
		api:            api,
		opts:           opts,
		messages:       make(map[uuid.UUID]events.MessagePayload),
		seqs:           make(map[int64]struct{}),
		pending:        orderedmap.New[string, *pendingSend](),
		reactions:      make(map[uuid.UUID]map[string]map[uuid.UUID]struct{}),
		seen:           newEventWindow(opts.DedupeWindow),
		hasMore:        true,
		state:          ConversationActive,
	}
}

func (t *Timeline) ConversationID() uuid.UUID { return t.conversationID }

func (t *Timeline) State() ConversationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// HasMore reports whether older history remains on the server.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Entries returns confirmed messages oldest first, followed by local
// placeholders in the order they were composed.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.messages)+t.pending.Len())
	for _, m := range t.messages {
		out = append(out, Entry{State: StateConfirmed, Message: m, Reactions: t.reactionCountsLocked(m.ID)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Message.Seq < out[j].Message.Seq })

	for pair := t.pending.Oldest(); pair != nil; pair = pair.Next() {
		p := pair.Value
		out = append(out, Entry{
			TempID: p.tempID,
			State:  p.state,
			Message: events.MessagePayload{
				ConversationID: t.conversationID,
				SenderID:       t.self,
				Type:           p.draft.Type,
				Content:        p.draft.Content,
				MediaRef:       p.draft.MediaRef,
				ReplyTo:        p.draft.ReplyTo,
				IdempotencyKey: p.token,
				CreatedAt:      p.createdAt,
			},
		})
	}
	return out
}

func (t *Timeline) reactionCountsLocked(messageID uuid.UUID) map[string]int {
	bySymbol := t.reactions[messageID]
	if len(bySymbol) == 0 {
		return nil
	}
	counts := make(map[string]int, len(bySymbol))
	for symbol, users := range bySymbol {
		if len(users) > 0 {
			counts[symbol] = len(users)
		}
	}
	return counts
}

// UnreadCount is derived from loaded messages and the read watermark.
func (t *Timeline) UnreadCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.messages {
		if m.Seq > t.lastReadSeq && m.SenderID != t.self && !m.Deleted {
			n++
		}
	}
	return n
}

// Send inserts a placeholder and delivers it in the background. The returned
// temp id identifies the placeholder until it is confirmed.
func (t *Timeline) Send(ctx context.Context, draft Draft) (string, error) {
	if draft.Type == "" {
		draft.Type = "TEXT"
	}
	token := uuid.NewString()
	p := &pendingSend{
		tempID:    "local-" + token,
		token:     token,
		draft:     draft,
		state:     StateSending,
		attempt:   1,
		createdAt: time.Now().UTC(),
	}

	t.mu.Lock()
	if t.state == ConversationLeft {
		t.mu.Unlock()
		return "", ErrConversationLeft
	}
	t.pending.Set(token, p)
	t.mu.Unlock()

	go t.deliver(ctx, token, p.attempt, draft)
	return p.tempID, nil
}

// Retry re-sends a failed placeholder with its original token, so a send
// that did reach the server is not appended twice.
func (t *Timeline) Retry(ctx context.Context, tempID string) error {
	t.mu.Lock()
	p := t.findPendingLocked(tempID)
	if p == nil {
		t.mu.Unlock()
		return ErrUnknownMessage
	}
	if p.state != StateFailed {
		t.mu.Unlock()
		return ErrNotRetryable
	}
	if t.state == ConversationLeft {
		t.mu.Unlock()
		return ErrConversationLeft
	}
	p.state = StateSending
	p.attempt++
	token, attempt, draft := p.token, p.attempt, p.draft
	t.mu.Unlock()

	go t.deliver(ctx, token, attempt, draft)
	return nil
}

// Discard drops a failed placeholder.
func (t *Timeline) Discard(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.findPendingLocked(tempID)
	if p == nil || p.state != StateFailed {
		return false
	}
	t.pending.Delete(p.token)
	return true
}

func (t *Timeline) findPendingLocked(tempID string) *pendingSend {
	for pair := t.pending.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.tempID == tempID {
			return pair.Value
		}
	}
	return nil
}

type sendResult struct {
	msg events.MessagePayload
	err error
}

func (t *Timeline) deliver(ctx context.Context, token string, attempt int, draft Draft) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan sendResult, 1)
	go func() {
		msg, err := t.api.SendMessage(ctx, t.conversationID, SendRequest{
			Content:        draft.Content,
			Type:           draft.Type,
			IdempotencyKey: token,
			MediaRef:       draft.MediaRef,
			ReplyTo:        draft.ReplyTo,
		})
		done <- sendResult{msg: msg, err: err}
	}()

	timer := time.NewTimer(t.opts.SendTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			t.fail(token, attempt, r.err)
			return
		}
		t.confirm(token, r.msg)
	case <-timer.C:
		t.fail(token, attempt, ErrSendTimeout)
	}
}

// fail moves a sending placeholder to failed. Only the attempt that is still
// current can fail it, and only once.
func (t *Timeline) fail(token string, attempt int, err error) {
	t.mu.Lock()
	p, ok := t.pending.Get(token)
	if !ok || p.state != StateSending || p.attempt != attempt {
		t.mu.Unlock()
		return
	}
	p.state = StateFailed
	if errors.Is(err, sideline_errors.ErrNotAParticipant) {
		t.state = ConversationLeft
	}
	tempID, draft := p.tempID, p.draft
	t.mu.Unlock()

	if t.opts.OnSendFailed != nil {
		t.opts.OnSendFailed(tempID, draft, err)
	}
}

// confirm replaces the placeholder for token with the server's message. It is
// a no-op beyond the upsert when the bus echo already did it.
func (t *Timeline) confirm(token string, msg events.MessagePayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending.Delete(token)
	t.upsertLocked(msg)
}

// upsertLocked stores msg and reports whether it was new.
func (t *Timeline) upsertLocked(msg events.MessagePayload) bool {
	if msg.ID == uuid.Nil || msg.ConversationID != t.conversationID {
		return false
	}
	if msg.SenderID == t.self && msg.IdempotencyKey != "" {
		t.pending.Delete(msg.IdempotencyKey)
	}
	old, exists := t.messages[msg.ID]
	if exists {
		t.messages[msg.ID] = mergeMessage(old, msg)
		return false
	}
	t.messages[msg.ID] = msg
	t.seqs[msg.Seq] = struct{}{}
	if msg.Seq > t.newestSeq {
		t.newestSeq = msg.Seq
	}
	t.advanceSyncedLocked()
	return true
}

// advanceSyncedLocked moves syncedSeq over every seq now held contiguously.
func (t *Timeline) advanceSyncedLocked() {
	if !t.loaded {
		return
	}
	for {
		if _, ok := t.seqs[t.syncedSeq+1]; !ok {
			return
		}
		t.syncedSeq++
	}
}

// mergeMessage keeps the most advanced version of one message. Deletion is
// final; otherwise the later edit wins.
func mergeMessage(old, incoming events.MessagePayload) events.MessagePayload {
	if old.Deleted {
		return old
	}
	if incoming.Deleted {
		return incoming
	}
	if old.EditedAt != nil && (incoming.EditedAt == nil || old.EditedAt.After(*incoming.EditedAt)) {
		return old
	}
	return incoming
}

// Apply folds one realtime event into the timeline. It reports false for
// duplicates and for events of other conversations.
func (t *Timeline) Apply(ev events.Event) bool {
	if ev.ConversationID != t.conversationID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.seen.add(ev.ID) {
		return false
	}

	switch ev.Type {
	case events.TypeMessageCreated, events.TypeMessageUpdated:
		var m events.MessagePayload
		if err := ev.Decode(&m); err != nil {
			return false
		}
		if _, known := t.messages[m.ID]; ev.Type == events.TypeMessageUpdated && !known {
			// Outside the loaded window; a page fetch brings the current copy.
			if t.oldestSeqLocked() > m.Seq {
				return true
			}
		}
		t.upsertLocked(m)
	case events.TypeMessageDeleted:
		var d events.MessageDeletedPayload
		if err := ev.Decode(&d); err != nil {
			return false
		}
		if m, ok := t.messages[d.MessageID]; ok {
			m.Deleted = true
			m.Content = ""
			m.MediaRef = ""
			t.messages[d.MessageID] = m
		}
	case events.TypeReactionChanged:
		var r events.ReactionPayload
		if err := ev.Decode(&r); err != nil {
			return false
		}
		t.applyReactionLocked(r)
	case events.TypeParticipantChanged:
		var p events.ParticipantPayload
		if err := ev.Decode(&p); err != nil {
			return false
		}
		if p.UserID == t.self {
			t.applySelfChangeLocked(p)
		}
	}
	return true
}

func (t *Timeline) oldestSeqLocked() int64 {
	if t.oldest == nil {
		return 0
	}
	if m, ok := t.messages[*t.oldest]; ok {
		return m.Seq
	}
	return 0
}

func (t *Timeline) applyReactionLocked(r events.ReactionPayload) {
	bySymbol, ok := t.reactions[r.MessageID]
	if !ok {
		bySymbol = make(map[string]map[uuid.UUID]struct{})
		t.reactions[r.MessageID] = bySymbol
	}
	users, ok := bySymbol[r.Symbol]
	if !ok {
		users = make(map[uuid.UUID]struct{})
		bySymbol[r.Symbol] = users
	}
	if r.Added {
		users[r.UserID] = struct{}{}
	} else {
		delete(users, r.UserID)
	}
}

func (t *Timeline) applySelfChangeLocked(p events.ParticipantPayload) {
	switch p.Change {
	case events.ChangeArchived:
		t.state, _ = Transition(t.state, ActionArchive)
	case events.ChangeUnarchived:
		t.state, _ = Transition(t.state, ActionUnarchive)
	case events.ChangeLeft:
		t.state = ConversationLeft
	case events.ChangeRead:
		if p.LastReadSeq > t.lastReadSeq {
			t.lastReadSeq = p.LastReadSeq
		}
	}
}

// LoadMore fetches the next older page. Calls made while a load is in flight
// share it instead of issuing another request. The shared request is not tied
// to any one caller: a caller whose ctx ends stops waiting, and the others
// still get the page.
func (t *Timeline) LoadMore(ctx context.Context) (int, error) {
	flight := context.WithoutCancel(ctx)
	ch := t.loads.DoChan("older", func() (interface{}, error) {
		return t.loadOlder(flight)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return 0, r.Err
		}
		return r.Val.(int), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (t *Timeline) loadOlder(ctx context.Context) (int, error) {
	t.mu.Lock()
	before, more := t.oldest, t.hasMore
	t.mu.Unlock()
	if !more {
		return 0, nil
	}

	page, err := t.api.ListMessages(ctx, t.conversationID, before, t.opts.PageSize)
	if err != nil {
		t.noteAccessError(err)
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if before == nil && !t.loaded && len(page.Messages) > 0 {
		// The newest page is contiguous up to the head.
		t.syncedSeq = page.Messages[0].Seq
	}
	t.loaded = true
	added := 0
	for _, m := range page.Messages {
		if t.upsertLocked(m) {
			added++
		}
	}
	t.advanceSyncedLocked()
	if n := len(page.Messages); n > 0 {
		last := page.Messages[n-1].ID
		t.oldest = &last
	}
	t.hasMore = page.HasMore
	return added, nil
}

// Reconcile re-reads the newest history after a reconnect, walking back until
// it overlaps the contiguously synced range. Messages and confirmations missed
// while disconnected are merged in.
func (t *Timeline) Reconcile(ctx context.Context) (int, error) {
	t.mu.Lock()
	known, loaded := t.syncedSeq, t.loaded
	t.mu.Unlock()
	if !loaded {
		return t.LoadMore(ctx)
	}

	added := 0
	var before *uuid.UUID
	for {
		page, err := t.api.ListMessages(ctx, t.conversationID, before, t.opts.PageSize)
		if err != nil {
			t.noteAccessError(err)
			return added, err
		}
		reached := false
		t.mu.Lock()
		for _, m := range page.Messages {
			if t.upsertLocked(m) {
				added++
			}
			if m.Seq <= known {
				reached = true
			}
		}
		t.mu.Unlock()

		n := len(page.Messages)
		if reached || !page.HasMore || n == 0 {
			t.mu.Lock()
			t.advanceSyncedLocked()
			t.mu.Unlock()
			return added, nil
		}
		last := page.Messages[n-1].ID
		before = &last
	}
}

func (t *Timeline) noteAccessError(err error) {
	if errors.Is(err, sideline_errors.ErrNotAParticipant) {
		t.mu.Lock()
		t.state = ConversationLeft
		t.mu.Unlock()
	}
}

func (t *Timeline) transition(ctx context.Context, action Action, call func(context.Context, uuid.UUID) error) error {
	t.mu.Lock()
	next, err := Transition(t.state, action)
	current := t.state
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if next == current {
		return nil
	}
	if err := call(ctx, t.conversationID); err != nil {
		t.noteAccessError(err)
		return err
	}
	t.mu.Lock()
	if t.state != ConversationLeft {
		t.state = next
	}
	t.mu.Unlock()
	return nil
}

func (t *Timeline) Archive(ctx context.Context) error {
	return t.transition(ctx, ActionArchive, t.api.Archive)
}

func (t *Timeline) Unarchive(ctx context.Context) error {
	return t.transition(ctx, ActionUnarchive, t.api.Unarchive)
}

func (t *Timeline) Leave(ctx context.Context) error {
	return t.transition(ctx, ActionLeave, t.api.Leave)
}

// MarkRead advances the watermark to everything loaded so far.
func (t *Timeline) MarkRead(ctx context.Context) error {
	if err := t.api.MarkRead(ctx, t.conversationID); err != nil {
		t.noteAccessError(err)
		return err
	}
	t.mu.Lock()
	if t.newestSeq > t.lastReadSeq {
		t.lastReadSeq = t.newestSeq
	}
	t.mu.Unlock()
	return nil
}

// eventWindow remembers the most recent event ids.
type eventWindow struct {
	ids   map[uuid.UUID]struct{}
	order []uuid.UUID
	next  int
}

func newEventWindow(size int) *eventWindow {
	return &eventWindow{ids: make(map[uuid.UUID]struct{}, size), order: make([]uuid.UUID, size)}
}

// add reports false if id was already seen.
func (w *eventWindow) add(id uuid.UUID) bool {
	if _, ok := w.ids[id]; ok {
		return false
	}
	if evicted := w.order[w.next]; evicted != uuid.Nil {
		delete(w.ids, evicted)
	}
	w.order[w.next] = id
	w.next = (w.next + 1) % len(w.order)
	w.ids[id] = struct{}{}
	return true
}
