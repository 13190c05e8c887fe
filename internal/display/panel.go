package display

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/gpio"

	"blinkpanel/internal/frame"
)

// MIPI DCS commands used by Panel.
const (
	cmdSoftReset   = 0x01
	cmdSleepOut    = 0x11
	cmdDisplayOn   = 0x29
	cmdColumnAddr  = 0x2A
	cmdPageAddr    = 0x2B
	cmdMemoryWrite = 0x2C
	cmdMADCTL      = 0x36
	cmdPixelFormat = 0x3A
)

// MADCTL bits.
const (
	madctlMY  = 0x80
	madctlMX  = 0x40
	madctlMV  = 0x20
	madctlBGR = 0x08
)

// pixelFormat16 selects 16 bits per pixel (RGB565) on both interfaces.
const pixelFormat16 = 0x55

// Config describes panel geometry after rotation.
type Config struct {
	Width    int
	Height   int
	Rotation int // 0, 90, 180 or 270
	BGR      bool
}

// Panel is a minimal DCS panel: reset, init, address window and pixel
// streaming. Vendor gamma/power tables are left at their reset values.
type Panel struct {
	di     *Interface
	reset  gpio.PinOut // nil when the reset line is not wired
	cfg    Config
	madctl byte
	clock  clockwork.Clock
}

// NewPanel returns a Panel. reset may be nil. clock may be nil for the real
// clock.
func NewPanel(di *Interface, reset gpio.PinOut, cfg Config, clock clockwork.Clock) (*Panel, error) {
	m, err := madctl(cfg.Rotation, cfg.BGR)
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("display: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Panel{di: di, reset: reset, cfg: cfg, madctl: m, clock: clock}, nil
}

func madctl(rotation int, bgr bool) (byte, error) {
	var m byte
	switch rotation {
	case 0:
		m = madctlMX
	case 90:
		m = madctlMV
	case 180:
		m = madctlMY
	case 270:
		m = madctlMX | madctlMY | madctlMV
	default:
		return 0, fmt.Errorf("display: unsupported rotation %d", rotation)
	}
	if bgr {
		m |= madctlBGR
	}
	return m, nil
}

// Size returns the panel size in pixels.
func (p *Panel) Size() (w, h int) { return p.cfg.Width, p.cfg.Height }

// Reset pulses the hardware reset line.
func (p *Panel) Reset(ctx context.Context) error {
	if p.reset == nil {
		return nil
	}
	for _, step := range []struct {
		level gpio.Level
		wait  time.Duration
	}{
		{gpio.High, 5 * time.Millisecond},
		{gpio.Low, 20 * time.Millisecond},
		{gpio.High, 150 * time.Millisecond},
	} {
		if err := p.reset.Out(step.level); err != nil {
			return fmt.Errorf("display: reset pin: %w", err)
		}
		if err := p.sleep(ctx, step.wait); err != nil {
			return err
		}
	}
	return nil
}

// Init wakes the controller and configures RGB565 and orientation.
func (p *Panel) Init(ctx context.Context) error {
	if err := p.di.Command(ctx, cmdSoftReset); err != nil {
		return err
	}
	if err := p.sleep(ctx, 150*time.Millisecond); err != nil {
		return err
	}
	if err := p.di.Command(ctx, cmdSleepOut); err != nil {
		return err
	}
	// Sleep-out needs 120ms before the next command.
	if err := p.sleep(ctx, 120*time.Millisecond); err != nil {
		return err
	}
	if err := p.di.Command(ctx, cmdPixelFormat, pixelFormat16); err != nil {
		return err
	}
	if err := p.di.Command(ctx, cmdMADCTL, p.madctl); err != nil {
		return err
	}
	return p.di.Command(ctx, cmdDisplayOn)
}

// SetWindow selects the inclusive rectangle (x0,y0)-(x1,y1) and starts a
// memory write. Pixel data must follow with SendData.
func (p *Panel) SetWindow(ctx context.Context, x0, y0, x1, y1 int) error {
	if err := p.di.SendCommands(ctx, frame.Bytes(cmdColumnAddr)); err != nil {
		return err
	}
	if err := p.di.SendData(ctx, frame.U16BE{uint16(x0), uint16(x1)}); err != nil {
		return err
	}
	if err := p.di.SendCommands(ctx, frame.Bytes(cmdPageAddr)); err != nil {
		return err
	}
	if err := p.di.SendData(ctx, frame.U16BE{uint16(y0), uint16(y1)}); err != nil {
		return err
	}
	return p.di.SendCommands(ctx, frame.Bytes(cmdMemoryWrite))
}

// FillRect paints a rectangle with one RGB565 colour. The rectangle is
// clipped to the panel.
func (p *Panel) FillRect(ctx context.Context, x, y, w, h int, color uint16) error {
	x, y, w, h, ok := p.clip(x, y, w, h)
	if !ok {
		return nil
	}
	return p.DrawPixels(ctx, x, y, w, h, frame.Repeat(color, w*h))
}

// DrawPixels streams w*h RGB565 pixels, row-major, into the rectangle. The
// rectangle must lie inside the panel.
func (p *Panel) DrawPixels(ctx context.Context, x, y, w, h int, pixels iter.Seq[uint16]) error {
	if cx, cy, cw, ch, ok := p.clip(x, y, w, h); !ok || cx != x || cy != y || cw != w || ch != h {
		return fmt.Errorf("display: rectangle %d,%d %dx%d outside %dx%d panel", x, y, w, h, p.cfg.Width, p.cfg.Height)
	}
	if err := p.SetWindow(ctx, x, y, x+w-1, y+h-1); err != nil {
		return err
	}
	return p.di.SendData(ctx, frame.U16BEIter(pixels))
}

// Clear fills the whole panel.
func (p *Panel) Clear(ctx context.Context, color uint16) error {
	return p.FillRect(ctx, 0, 0, p.cfg.Width, p.cfg.Height, color)
}

func (p *Panel) clip(x, y, w, h int) (int, int, int, int, bool) {
	x0, y0 := max(x, 0), max(y, 0)
	x1, y1 := min(x+w, p.cfg.Width), min(y+h, p.cfg.Height)
	if x1 <= x0 || y1 <= y0 {
		return 0, 0, 0, 0, false
	}
	return x0, y0, x1 - x0, y1 - y0, true
}

func (p *Panel) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(d):
		return nil
	}
}
