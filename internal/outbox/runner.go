package outbox

import (
	"context"
)

// Runner owns the processor goroutine.
type Runner struct {
	processor *Processor
	done      chan struct{}
}

func NewRunner(processor *Processor) *Runner {
	return &Runner{processor: processor, done: make(chan struct{})}
}

func (r *Runner) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		r.processor.Run(ctx)
	}()
}

// Wait blocks until the processor has stopped.
func (r *Runner) Wait() {
	<-r.done
}
