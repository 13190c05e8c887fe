package ui

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	appLog "blinkpanel/internal/log"
	"blinkpanel/internal/spibus"
)

// Panel receives rendered pixels.
type Panel interface {
	DrawPixels(ctx context.Context, x, y, w, h int, pixels iter.Seq[uint16]) error
}

// FrameStats counts refresh cycles.
type FrameStats struct {
	Frames   uint64 `json:"frames"`
	Failures uint64 `json:"failures"`
}

// Refresher is the single consumer of Channel. Each wake renders the newest
// State into the canvas and pushes the changed rectangle to the panel.
type Refresher struct {
	ch     *Channel
	canvas *Canvas
	render *Renderer
	panel  Panel

	mu   sync.Mutex
	last *State // last state fully on the panel; nil forces a full repaint

	frames   atomic.Uint64
	failures atomic.Uint64
}

// NewRefresher wires a Refresher.
func NewRefresher(ch *Channel, canvas *Canvas, panel Panel) *Refresher {
	return &Refresher{
		ch:     ch,
		canvas: canvas,
		render: NewRenderer(canvas),
		panel:  panel,
	}
}

// Run draws the current state, then redraws on every update until ctx is
// done. It only returns early when the bus reports a reentrant transaction,
// which means the wiring is broken.
func (f *Refresher) Run(ctx context.Context) error {
	if err := f.frame(ctx, f.ch.Snapshot()); err != nil {
		return err
	}
	for {
		ev, s, err := f.ch.Wait(ctx)
		if err != nil {
			return nil
		}
		appLog.Debug("ui: refresh", "event", ev, "epoch", s.Epoch)
		if err := f.frame(ctx, s); err != nil {
			return err
		}
	}
}

func (f *Refresher) frame(ctx context.Context, s State) error {
	f.mu.Lock()
	prev := f.last
	f.mu.Unlock()

	f.render.Render(prev, s)
	dirty := f.canvas.TakeDirty()
	f.frames.Add(1)

	if !dirty.Empty() {
		err := f.panel.DrawPixels(ctx, dirty.Min.X, dirty.Min.Y, dirty.Dx(), dirty.Dy(), f.canvas.Pixels(dirty))
		if err != nil {
			f.failures.Add(1)
			f.mu.Lock()
			f.last = nil
			f.mu.Unlock()
			if errors.Is(err, spibus.ErrReentrant) {
				appLog.Error("ui: display transaction nested in another one", err)
				return err
			}
			appLog.Error("ui: display flush failed, full repaint on next update", err)
			return nil
		}
	}

	f.mu.Lock()
	f.last = &s
	f.mu.Unlock()
	return nil
}

// Last returns the state most recently shown on the panel.
func (f *Refresher) Last() (State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return State{}, false
	}
	return *f.last, true
}

// Stats returns refresh counters.
func (f *Refresher) Stats() FrameStats {
	return FrameStats{Frames: f.frames.Load(), Failures: f.failures.Load()}
}

// Canvas returns the canvas being rendered into.
func (f *Refresher) Canvas() *Canvas { return f.canvas }
