// Package touch samples an XPT2046-class resistive touch controller sharing an
// SPI bus with other devices.
package touch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	tgtouch "tinygo.org/x/drivers/touch"

	appLog "blinkpanel/internal/log"
	"blinkpanel/internal/spibus"
)

// Controller commands: start a 12-bit differential conversion of X or Y.
const (
	CmdReadX = 0x90
	CmdReadY = 0xD0
)

// ErrMalformed is returned when a conversion result has bits the controller
// never sets.
var ErrMalformed = errors.New("touch: malformed conversion result")

// SampleError wraps any failure of one sampling cycle.
type SampleError struct {
	Err error
}

func (e *SampleError) Error() string { return "touch: sample failed: " + e.Err.Error() }

func (e *SampleError) Unwrap() error { return e.Err }

// Calibration maps raw 12-bit readings to screen coordinates.
//
// X1/Y1 are the raw readings at screen coordinate 0 and X2/Y2 those at SX/SY.
// Either pair may be descending. MirrorX flips the X axis after mapping, for
// panels mounted the other way round.
type Calibration struct {
	X1      int  `yaml:"x1" json:"x1"`
	X2      int  `yaml:"x2" json:"x2"`
	Y1      int  `yaml:"y1" json:"y1"`
	Y2      int  `yaml:"y2" json:"y2"`
	SX      int  `yaml:"sx" json:"sx"`
	SY      int  `yaml:"sy" json:"sy"`
	MirrorX bool `yaml:"mirror_x" json:"mirror_x"`
}

// DefaultCalibration fits the common 320x240 ILI9341 + XPT2046 modules.
func DefaultCalibration() Calibration {
	return Calibration{X1: 3880, X2: 340, Y1: 262, Y2: 3850, SX: 320, SY: 240}
}

// Validate rejects calibrations that cannot be mapped.
func (c Calibration) Validate() error {
	if c.X1 == c.X2 || c.Y1 == c.Y2 {
		return fmt.Errorf("touch: calibration range is empty (x1=%d x2=%d y1=%d y2=%d)", c.X1, c.X2, c.Y1, c.Y2)
	}
	if c.SX <= 0 || c.SY <= 0 {
		return fmt.Errorf("touch: calibration output size must be positive (sx=%d sy=%d)", c.SX, c.SY)
	}
	return nil
}

// Map converts raw readings to screen coordinates.
func (c Calibration) Map(rawX, rawY int) (x, y int) {
	x = clamp(0, c.SX, (rawX-c.X1)*c.SX/(c.X2-c.X1))
	y = clamp(0, c.SY, (rawY-c.Y1)*c.SY/(c.Y2-c.Y1))
	if c.MirrorX {
		x = c.SX - x
	}
	return x, y
}

func clamp(lo, hi, v int) int {
	return max(lo, min(hi, v))
}

// Point is a contact position in screen coordinates.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Stats counts sampling cycles.
type Stats struct {
	Samples  uint64 `json:"samples"`
	Failures uint64 `json:"failures"`
}

// Sampler reads the touch controller through its bus device.
type Sampler struct {
	dev   *spibus.Device
	cal   Calibration
	clock clockwork.Clock

	samples  atomic.Uint64
	failures atomic.Uint64
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithClock sets the clock used by Poll.
func WithClock(c clockwork.Clock) Option {
	return func(s *Sampler) { s.clock = c }
}

// New returns a Sampler for dev.
func New(dev *spibus.Device, cal Calibration, opts ...Option) (*Sampler, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	s := &Sampler{
		dev:   dev,
		cal:   cal,
		clock: clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Calibration returns the calibration in use.
func (s *Sampler) Calibration() Calibration { return s.cal }

// Stats returns sampling counters.
func (s *Sampler) Stats() Stats {
	return Stats{Samples: s.samples.Load(), Failures: s.failures.Load()}
}

// Sample runs one X/Y conversion cycle in a single bus transaction.
//
// ok is false when there is no contact. A contact that maps exactly to (0,0)
// is indistinguishable from no contact and is reported as such.
func (s *Sampler) Sample(ctx context.Context) (p Point, ok bool, err error) {
	s.samples.Add(1)
	raw, err := spibus.Do(ctx, s.dev, readRaw)
	if err != nil {
		s.failures.Add(1)
		return Point{}, false, &SampleError{Err: err}
	}
	x, y := s.cal.Map(int(raw[0]), int(raw[1]))
	if x == 0 && y == 0 {
		return Point{}, false, nil
	}
	return Point{X: x, Y: y}, true, nil
}

func readRaw(_ context.Context, bus spibus.Bus) ([2]uint16, error) {
	var raw [2]uint16
	buf := make([]byte, 2)
	for i, cmd := range []byte{CmdReadX, CmdReadY} {
		if err := bus.Write([]byte{cmd}); err != nil {
			return raw, err
		}
		if err := bus.Read(buf); err != nil {
			return raw, err
		}
		v, err := decode(buf)
		if err != nil {
			return raw, err
		}
		raw[i] = v
	}
	return raw, nil
}

// decode extracts the 12-bit conversion from a big-endian reply. The low three
// bits are padding and bit 15 is still the busy slot.
func decode(b []byte) (uint16, error) {
	v := binary.BigEndian.Uint16(b)
	if v&0x8000 != 0 {
		return 0, fmt.Errorf("%w: %#04x", ErrMalformed, v)
	}
	return v >> 3, nil
}

// Poll samples every interval until ctx is done and passes each result to fn.
// Sampling failures are logged and retried on the next tick. A reentrant bus
// use is a wiring bug and stops the loop.
func (s *Sampler) Poll(ctx context.Context, interval time.Duration, fn func(p Point, ok bool)) error {
	for {
		p, ok, err := s.Sample(ctx)
		switch {
		case errors.Is(err, spibus.ErrReentrant):
			return err
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			appLog.Error("touch: sample failed, retrying", err, "device", s.dev.Name())
		default:
			fn(p, ok)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(interval):
		}
	}
}

// ReadTouchPoint implements the tinygo touch.Pointer interface. Z is 1 while
// the panel is touched and 0 otherwise, including when sampling fails.
func (s *Sampler) ReadTouchPoint() tgtouch.Point {
	p, ok, err := s.Sample(context.Background())
	if err != nil {
		appLog.Debug("touch: read point failed", "err", err)
		return tgtouch.Point{}
	}
	if !ok {
		return tgtouch.Point{}
	}
	return tgtouch.Point{X: p.X, Y: p.Y, Z: 1}
}

var _ tgtouch.Pointer = (*Sampler)(nil)
