package spibus

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// PortBus adapts a periph.io SPI port to Bus.
//
// The port is connected with spi.NoCS; select lines are GPIOs driven by the
// arbiter. The clock is changed per transaction with LimitSpeed, so the
// connect frequency must be the highest frequency of any device on the bus.
type PortBus struct {
	port spi.PortCloser
	conn spi.Conn
}

// NewPortBus connects port. mode is shared by every device on the bus: the
// kernel driver only accepts it once.
func NewPortBus(port spi.PortCloser, maxFreq physic.Frequency, mode spi.Mode) (*PortBus, error) {
	c, err := port.Connect(maxFreq, mode|spi.NoCS, 8)
	if err != nil {
		return nil, fmt.Errorf("spibus: connect %s: %w", port, err)
	}
	return &PortBus{port: port, conn: c}, nil
}

// Write implements Writer.
func (b *PortBus) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return b.conn.Tx(p, nil)
}

// Read implements Reader. Zeros are clocked out while reading.
func (b *PortBus) Read(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return b.conn.Tx(nil, p)
}

// Flush implements Flusher. spidev transfers complete inside the ioctl, so
// there is never anything left to drain.
func (b *PortBus) Flush() error {
	return nil
}

// SetFrequency implements FrequencySetter.
func (b *PortBus) SetFrequency(f physic.Frequency) error {
	return b.port.LimitSpeed(f)
}

// Close releases the port.
func (b *PortBus) Close() error {
	return b.port.Close()
}

// PinSelect drives a chip-select GPIO. Most parts select on low.
type PinSelect struct {
	pin        gpio.PinOut
	activeHigh bool
}

// NewPinSelect configures pin as an output in the deasserted state.
func NewPinSelect(pin gpio.PinOut, activeHigh bool) (*PinSelect, error) {
	s := &PinSelect{pin: pin, activeHigh: activeHigh}
	if err := s.Deassert(); err != nil {
		return nil, fmt.Errorf("spibus: select %s: %w", pin, err)
	}
	return s, nil
}

// Assert implements SelectLine.
func (s *PinSelect) Assert() error {
	return s.pin.Out(gpio.Level(s.activeHigh))
}

// Deassert implements SelectLine.
func (s *PinSelect) Deassert() error {
	return s.pin.Out(gpio.Level(!s.activeHigh))
}

// String returns the underlying pin name.
func (s *PinSelect) String() string {
	return s.pin.String()
}
