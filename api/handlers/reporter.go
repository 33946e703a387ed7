package handlers

import (
	"context"
	"sync/atomic"
	"time"
)

// streamReporter forwards pipeline step progress onto the SSE frame channel.
// Sends bail out when the request context dies so an abandoned stream cannot
// wedge the pipeline goroutine.
type streamReporter struct {
	ctx    context.Context
	frames chan<- any
	steps  *atomic.Int32
}

func newStreamReporter(ctx context.Context, frames chan<- any) streamReporter {
	return streamReporter{ctx: ctx, frames: frames, steps: new(atomic.Int32)}
}

// sawSteps reports whether any step event was emitted.
func (r streamReporter) sawSteps() bool {
	return r.steps.Load() > 0
}

func (r streamReporter) StepStarted(step string) {
	r.steps.Add(1)
	emit(r.ctx, r.frames, map[string]any{"step": step, "status": "started"})
}

func (r streamReporter) StepCompleted(step string, d time.Duration) {
	r.steps.Add(1)
	emit(r.ctx, r.frames, map[string]any{
		"step":        step,
		"status":      "completed",
		"duration_ms": d.Milliseconds(),
	})
}

// emit sends a frame unless the request context is already cancelled.
func emit(ctx context.Context, frames chan<- any, frame any) bool {
	select {
	case frames <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}
