package ui

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"periph.io/x/conn/v3/gpio"

	appLog "blinkpanel/internal/log"
	"blinkpanel/internal/touch"
)

// Blinker toggles the LED and mirrors it on screen.
type Blinker struct {
	LED      gpio.PinOut
	Interval time.Duration
	Clock    clockwork.Clock
	Ch       *Channel
}

// Run blinks until ctx is done.
func (b *Blinker) Run(ctx context.Context) error {
	clock := b.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	blink := false
	for {
		if err := b.LED.Out(gpio.Level(blink)); err != nil {
			appLog.Error("ui: led write failed", err, "pin", b.LED)
		}
		on := blink
		b.Ch.Update(func(s *State) Event {
			s.Blink = on
			return EventBlink
		})
		blink = !blink

		select {
		case <-ctx.Done():
			return nil
		case <-clock.After(b.Interval):
		}
	}
}

// ButtonMonitor publishes the button state on every edge.
type ButtonMonitor struct {
	Pin       gpio.PinIn
	ActiveLow bool
	// EdgeTimeout bounds each WaitForEdge so cancellation is noticed.
	EdgeTimeout time.Duration
	Ch          *Channel
}

// Run configures the pin for both edges and watches it until ctx is done.
func (m *ButtonMonitor) Run(ctx context.Context) error {
	pull := gpio.PullDown
	if m.ActiveLow {
		pull = gpio.PullUp
	}
	if err := m.Pin.In(pull, gpio.BothEdges); err != nil {
		return fmt.Errorf("ui: button %s: %w", m.Pin, err)
	}
	timeout := m.EdgeTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}

	m.publish()
	for ctx.Err() == nil {
		if m.Pin.WaitForEdge(timeout) {
			m.publish()
		}
	}
	return nil
}

func (m *ButtonMonitor) publish() {
	pressed := m.Pin.Read() == gpio.Level(!m.ActiveLow)
	m.Ch.Update(func(s *State) Event {
		s.Button = pressed
		return EventButton
	})
}

// TouchPoller publishes touch samples when they change.
type TouchPoller struct {
	Sampler  *touch.Sampler
	Interval time.Duration
	Ch       *Channel
}

// Run polls until ctx is done.
func (p *TouchPoller) Run(ctx context.Context) error {
	var last Touch
	err := p.Sampler.Poll(ctx, p.Interval, func(pt touch.Point, ok bool) {
		t := Touch{X: pt.X, Y: pt.Y, Contact: ok}
		if t == last {
			return
		}
		last = t
		p.Ch.Update(func(s *State) Event {
			s.Touch = t
			return EventTouch
		})
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Repainter requests a full repaint on a cron schedule.
type Repainter struct {
	Spec string
	Ch   *Channel
}

// Run schedules repaints until ctx is done.
func (r *Repainter) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.Spec, func() { RequestRepaint(r.Ch) }); err != nil {
		return fmt.Errorf("ui: repaint schedule %q: %w", r.Spec, err)
	}
	c.Start()
	appLog.Info("ui: repaint scheduled", "spec", r.Spec)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
