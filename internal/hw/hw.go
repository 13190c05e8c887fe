// Package hw opens the board resources: the shared SPI port, the GPIO lines
// and the I2C fuel gauge. In simulation every resource is an in-memory
// double, so the whole program runs on a workstation.
package hw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"blinkpanel/internal/battery"
	"blinkpanel/internal/config"
	appLog "blinkpanel/internal/log"
	"blinkpanel/internal/spibus"
	"blinkpanel/internal/touch"
)

// Board is everything the program drives.
type Board struct {
	Bus *spibus.PortBus

	DisplayCS    gpio.PinOut
	DisplayDC    gpio.PinOut
	DisplayReset gpio.PinOut // nil when the reset line is not wired
	TouchCS      gpio.PinOut

	LED    gpio.PinOut // nil when disabled
	Button gpio.PinIn  // nil when disabled

	Battery battery.Reader // nil when disabled

	// Simulated is true when the board is made of test doubles.
	Simulated bool

	closers []io.Closer
}

// Open brings up the board described by cfg.
func Open(cfg *config.Config) (*Board, error) {
	if cfg.Simulate {
		return openSim(cfg)
	}
	return openHost(cfg)
}

// Close releases the SPI port and I2C bus. It is safe to call more than once.
func (b *Board) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// BusFrequency is the connect frequency of the shared port: the fastest
// device on it. Slower devices lower the clock per transaction.
func BusFrequency(cfg *config.Config) physic.Frequency {
	return physic.Frequency(max(cfg.Display.FrequencyHz, cfg.Touch.FrequencyHz)) * physic.Hertz
}

func openHost(cfg *config.Config) (b *Board, err error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("hw: periph host init failed: %w", err)
	}

	b = &Board{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	port, err := spireg.Open(cfg.SPI.Port)
	if err != nil {
		return nil, fmt.Errorf("hw: failed to open SPI port %q: %w", cfg.SPI.Port, err)
	}
	b.Bus, err = spibus.NewPortBus(port, BusFrequency(cfg), spi.Mode(cfg.Display.Mode))
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	b.closers = append(b.closers, b.Bus)

	pins := []struct {
		name string
		dst  *gpio.PinOut
	}{
		{cfg.Display.CSPin, &b.DisplayCS},
		{cfg.Display.DCPin, &b.DisplayDC},
		{cfg.Display.ResetPin, &b.DisplayReset},
		{cfg.Touch.CSPin, &b.TouchCS},
		{cfg.LED.Pin, &b.LED},
	}
	for _, p := range pins {
		if p.name == "" {
			continue
		}
		pin, err := pinByName(p.name)
		if err != nil {
			return nil, err
		}
		*p.dst = pin
	}
	if cfg.Button.Pin != "" {
		pin, err := pinByName(cfg.Button.Pin)
		if err != nil {
			return nil, err
		}
		b.Button = pin
	}

	if cfg.Battery.Enabled {
		bus, err := i2creg.Open(cfg.Battery.Bus)
		if err != nil {
			return nil, fmt.Errorf("hw: failed to open I2C bus %q: %w", cfg.Battery.Bus, err)
		}
		b.closers = append(b.closers, bus)
		b.Battery = battery.NewI2CReader(bus, cfg.Battery.Addr)
	}

	appLog.Info("hw: board ready",
		"spi", port,
		"bus_hz", int64(BusFrequency(cfg)/physic.Hertz),
		"battery", cfg.Battery.Enabled,
	)
	return b, nil
}

func pinByName(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("hw: gpio %s not found", name)
	}
	return p, nil
}

func openSim(cfg *config.Config) (*Board, error) {
	port := &simPort{touchIdle: idleReadings(cfg.Touch.Calibration)}
	bus, err := spibus.NewPortBus(port, BusFrequency(cfg), spi.Mode(cfg.Display.Mode))
	if err != nil {
		return nil, err
	}
	b := &Board{
		Bus:          bus,
		DisplayCS:    &gpiotest.Pin{N: "SIM_DISPLAY_CS"},
		DisplayDC:    &gpiotest.Pin{N: "SIM_DISPLAY_DC"},
		DisplayReset: &gpiotest.Pin{N: "SIM_DISPLAY_RST"},
		TouchCS:      &gpiotest.Pin{N: "SIM_TOUCH_CS"},
		LED:          &gpiotest.Pin{N: "SIM_LED"},
		Button:       &gpiotest.Pin{N: "SIM_BUTTON", EdgesChan: make(chan gpio.Level)},
		Battery:      battery.NewMockReader(1),
		Simulated:    true,
		closers:      []io.Closer{bus},
	}
	appLog.Info("hw: simulated board ready", "bus_hz", int64(BusFrequency(cfg)/physic.Hertz))
	return b, nil
}

// idleReadings returns the raw X/Y pair that maps to the screen origin, which
// the touch sampler reports as no contact.
func idleReadings(cal touch.Calibration) [2]uint16 {
	x := cal.X1
	if cal.MirrorX {
		x = cal.X2
	}
	return [2]uint16{uint16(x), uint16(cal.Y1)}
}

// simPort is an SPI port that discards writes. Reads return zeros, except
// after a touch conversion command, where they return an idle conversion.
type simPort struct {
	mu        sync.Mutex
	connected bool
	speed     physic.Frequency
	touchIdle [2]uint16
}

func (p *simPort) String() string { return "sim-spi" }

func (p *simPort) Close() error { return nil }

func (p *simPort) LimitSpeed(f physic.Frequency) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speed = f
	return nil
}

func (p *simPort) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil, errors.New("hw: sim-spi: Connect cannot be called twice")
	}
	p.connected = true
	p.speed = f
	return &simConn{Discard: conntest.Discard{D: conn.Full}, idle: p.touchIdle}, nil
}

// Speed returns the clock most recently programmed.
func (p *simPort) Speed() physic.Frequency {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

type simConn struct {
	conntest.Discard

	mu   sync.Mutex
	idle [2]uint16
	cmd  byte
}

func (c *simConn) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(w) > 0 {
		c.cmd = w[0]
	}
	if err := c.Discard.Tx(w, r); err != nil {
		return err
	}
	if len(r) != 2 {
		return nil
	}
	switch c.cmd {
	case touch.CmdReadX:
		binary.BigEndian.PutUint16(r, c.idle[0]<<3)
	case touch.CmdReadY:
		binary.BigEndian.PutUint16(r, c.idle[1]<<3)
	}
	return nil
}

func (c *simConn) TxPackets(pkts []spi.Packet) error {
	for _, pkt := range pkts {
		if err := c.Tx(pkt.W, pkt.R); err != nil {
			return err
		}
	}
	return nil
}
