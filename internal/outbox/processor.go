package outbox

import (
	"context"
	"time"

	domainoutbox "sideline-chat/internal/domain/outbox"
	"sideline-chat/internal/events"
	"sideline-chat/internal/metrics"
	"sideline-chat/internal/repository"
	"sideline-chat/pkg/logger"
	pkgevents "sideline-chat/pkg/events"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Leaser gates processing so only one node drains the outbox at a time.
type Leaser interface {
	Acquire(ctx context.Context) (bool, error)
}

type Options struct {
	BatchSize  int
	Interval   time.Duration
	MaxRetries int
	Logger     *logger.Logger
	Metrics    *metrics.Collectors
	Lease      Leaser
}

// Processor publishes committed outbox events in position order. Events of
// one conversation are never published out of order: a failure holds back the
// rest of that conversation until the failed event is retried.
type Processor struct {
	repo       repository.OutboxRepository
	publisher  events.Publisher
	log        *logger.Logger
	metrics    *metrics.Collectors
	lease      Leaser
	clock      func() time.Time
	batchSize  int
	interval   time.Duration
	maxRetries int
	wake       chan struct{}
}

func NewProcessor(repo repository.OutboxRepository, publisher events.Publisher, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Interval <= 0 {
		opts.Interval = 200 * time.Millisecond
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Processor{
		repo:       repo,
		publisher:  publisher,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		lease:      opts.Lease,
		clock:      time.Now,
		batchSize:  opts.BatchSize,
		interval:   opts.Interval,
		maxRetries: opts.MaxRetries,
		wake:       make(chan struct{}, 1),
	}
}

// Notify asks the processor to run before the next tick. It never blocks.
func (p *Processor) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
		p.drain(ctx)
	}
}

func (p *Processor) drain(ctx context.Context) {
	if p.lease != nil {
		held, err := p.lease.Acquire(ctx)
		if err != nil {
			p.log.Warnf("outbox lease: %v", err)
			return
		}
		if !held {
			return
		}
	}
	for ctx.Err() == nil {
		n, err := p.ProcessBatch(ctx)
		if err != nil {
			p.log.Logger.Error("outbox batch failed", zap.Error(err))
			return
		}
		if n < p.batchSize {
			return
		}
	}
}

// ProcessBatch publishes one batch of due events and returns how many were
// fetched.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	batch, err := p.repo.GetPending(ctx, p.batchSize, p.clock())
	if err != nil {
		return 0, err
	}

	held := make(map[uuid.UUID]bool)
	for _, e := range batch {
		if held[e.ConversationID] {
			continue
		}
		if err := p.publisher.Publish(ctx, ToEvent(e)); err != nil {
			held[e.ConversationID] = true
			p.fail(ctx, e, err)
			continue
		}
		if err := p.repo.MarkCompleted(ctx, e.ID); err != nil {
			// The event was delivered; a repeat after restart is tolerated by
			// consumers de-duplicating on event id.
			held[e.ConversationID] = true
			p.log.Logger.Error("outbox mark completed", zap.String("event_id", e.ID.String()), zap.Error(err))
			continue
		}
		p.metrics.EventPublished(e.EventType)
	}
	return len(batch), nil
}

func (p *Processor) fail(ctx context.Context, e domainoutbox.Event, cause error) {
	attempt := e.RetryCount + 1
	if attempt >= p.maxRetries {
		p.metrics.OutboxDeadLetter()
		p.log.Logger.Error("outbox event dead-lettered",
			zap.String("event_id", e.ID.String()),
			zap.String("type", e.EventType),
			zap.Int("attempts", attempt),
			zap.Error(cause),
		)
		if err := p.repo.MarkFailed(ctx, e.ID, cause.Error()); err != nil {
			p.log.Logger.Error("outbox mark failed", zap.Error(err))
		}
		return
	}
	p.metrics.OutboxRetry()
	p.log.Logger.Warn("outbox publish failed",
		zap.String("event_id", e.ID.String()),
		zap.Int("attempt", attempt),
		zap.Error(cause),
	)
	if err := p.repo.MarkRetry(ctx, e.ID, p.clock().Add(Backoff(attempt)), cause.Error()); err != nil {
		p.log.Logger.Error("outbox mark retry", zap.Error(err))
	}
}

// Backoff doubles from 100ms per attempt, capped at 30s.
func Backoff(attempt int) time.Duration {
	d := 100 * time.Millisecond
	for i := 1; i < attempt && d < 30*time.Second; i++ {
		d *= 2
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// ToEvent converts a stored outbox row into its wire form.
func ToEvent(e domainoutbox.Event) pkgevents.Event {
	ev := pkgevents.Event{
		ID:             e.ID,
		Type:           e.EventType,
		ConversationID: e.ConversationID,
		Position:       e.Position,
		OccurredAt:     e.CreatedAt.UTC(),
		Payload:        append([]byte(nil), e.Payload...),
	}
	if e.TargetUserID.Valid {
		target := e.TargetUserID.UUID
		ev.TargetUserID = &target
	}
	return ev
}
