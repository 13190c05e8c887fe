package battery

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/i2c"

	appLog "blinkpanel/internal/log"
	"blinkpanel/internal/ui"
)

// Status represents current battery status.
type Status struct {
	// Percent is the battery level in 0–100%.
	Percent int `json:"percent"`
	// VoltageMv is the battery voltage in millivolts, if known.
	VoltageMv int `json:"voltage_mv"`
}

// Reader abstracts how we obtain battery information, so simulation mode can
// run without a fuel gauge.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// Fuel gauge registers (PiSugar3 layout).
const (
	regVoltageHigh = 0x22
	regVoltageLow  = 0x23
	regPercent     = 0x2A
)

// DefaultAddr is the 7-bit address of the PiSugar3 gauge.
const DefaultAddr = 0x57

// I2CReader talks to a battery controller over I2C:
//   - 0x22 (high), 0x23 (low): battery voltage in millivolts
//   - 0x2A: battery percentage (0–100)
type I2CReader struct {
	dev *i2c.Dev
}

// NewI2CReader returns a reader for the gauge at addr on bus. The bus is
// owned by the caller.
func NewI2CReader(bus i2c.Bus, addr uint16) *I2CReader {
	return &I2CReader{dev: &i2c.Dev{Bus: bus, Addr: addr}}
}

func (r *I2CReader) readReg(reg byte) (byte, error) {
	buf := []byte{0}
	if err := r.dev.Tx([]byte{reg}, buf); err != nil {
		return 0, fmt.Errorf("battery: read reg %#02x: %w", reg, err)
	}
	return buf[0], nil
}

// Read implements Reader.
func (r *I2CReader) Read(_ context.Context) (Status, error) {
	high, err := r.readReg(regVoltageHigh)
	if err != nil {
		return Status{}, err
	}
	low, err := r.readReg(regVoltageLow)
	if err != nil {
		return Status{}, err
	}
	pct, err := r.readReg(regPercent)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Percent:   min(int(pct), 100),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
	}, nil
}

// mockReader is used in simulation. It drifts around a plausible level.
type mockReader struct {
	mu  sync.Mutex
	rnd *rand.Rand
	pct int
}

// NewMockReader constructs a Reader with pseudo-random readings.
func NewMockReader(seed int64) Reader {
	return &mockReader{rnd: rand.New(rand.NewSource(seed)), pct: 80}
}

func (m *mockReader) Read(_ context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pct = max(20, min(100, m.pct+m.rnd.Intn(5)-2))
	// Rough Li-ion curve: 3.3 V empty, 4.2 V full.
	return Status{
		Percent:   m.pct,
		VoltageMv: 3300 + m.pct*9,
	}, nil
}

// Poller reads the gauge periodically and publishes it on the display.
type Poller struct {
	Reader   Reader
	Interval time.Duration
	Clock    clockwork.Clock
	Ch       *ui.Channel
}

// Run polls until ctx is done. Read failures keep the last good reading.
func (p *Poller) Run(ctx context.Context) error {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	var last ui.Battery
	for {
		st, err := p.Reader.Read(ctx)
		if err != nil {
			appLog.Warn("battery: read failed", "err", err)
		} else if b := (ui.Battery{Known: true, Percent: st.Percent, VoltageMv: st.VoltageMv}); b != last {
			last = b
			p.Ch.Update(func(s *ui.State) ui.Event {
				s.Battery = b
				return ui.EventBattery
			})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-clock.After(p.Interval):
		}
	}
}
