package syncclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sideline-chat/pkg/events"
	"sideline-chat/pkg/logger"
)

const (
	minReconnectDelay = 100 * time.Millisecond
	maxReconnectDelay = 5 * time.Second
)

// Stream keeps a websocket subscription open, redialing with exponential
// backoff whenever it drops.
type Stream struct {
	url      string
	header   http.Header
	dialer   *websocket.Dialer
	minDelay time.Duration
	maxDelay time.Duration
	log      *logger.Logger
}

func NewStream(url string, log *logger.Logger) *Stream {
	if log == nil {
		log = logger.Nop()
	}
	return &Stream{
		url:      url,
		header:   http.Header{},
		dialer:   websocket.DefaultDialer,
		minDelay: minReconnectDelay,
		maxDelay: maxReconnectDelay,
		log:      log,
	}
}

// Run delivers frames to handle until ctx is done. Every successful dial is
// announced by a ready frame from the server, which is the cue to reconcile.
func (s *Stream) Run(ctx context.Context, handle func(events.Frame)) error {
	delay := s.minDelay
	for {
		connected, err := s.session(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = s.minDelay
		}
		s.log.WithContext(ctx).Warn("stream disconnected", zap.Error(err), zap.Duration("retry_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		delay *= 2
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
	}
}

func (s *Stream) session(ctx context.Context, handle func(events.Frame)) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var f events.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return true, err
		}
		handle(f)
		if f.Kind == events.FrameClosed {
			return true, fmt.Errorf("closed by server: %s", f.Reason)
		}
	}
}
