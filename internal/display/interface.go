// Package display drives a MIPI DCS panel (ILI9341 and friends) through a
// device on a shared SPI bus plus a data/command GPIO.
package display

import (
	"context"
	"errors"
	"fmt"

	"periph.io/x/conn/v3/gpio"

	"blinkpanel/internal/frame"
	"blinkpanel/internal/spibus"
)

// ErrDataCommand is returned when the data/command pin cannot be driven.
var ErrDataCommand = errors.New("display: data/command pin failed")

// Interface sends command and data bytes to the controller. Each call is one
// bus transaction: the DC pin is set inside it, so another device on the bus
// can never observe a half-set DC line.
type Interface struct {
	dev *spibus.Device
	dc  gpio.PinOut
}

// NewInterface combines a bus device with the DC pin (low = command).
func NewInterface(dev *spibus.Device, dc gpio.PinOut) *Interface {
	return &Interface{dev: dev, dc: dc}
}

// SendCommands sends payload with DC low.
func (i *Interface) SendCommands(ctx context.Context, payload frame.DataFormat) error {
	return i.send(ctx, gpio.Low, payload)
}

// SendData sends payload with DC high.
func (i *Interface) SendData(ctx context.Context, payload frame.DataFormat) error {
	return i.send(ctx, gpio.High, payload)
}

func (i *Interface) send(ctx context.Context, dc gpio.Level, payload frame.DataFormat) error {
	return i.dev.Transaction(ctx, func(_ context.Context, bus spibus.Bus) error {
		if err := i.dc.Out(dc); err != nil {
			return fmt.Errorf("%w: %w", ErrDataCommand, err)
		}
		return frame.Encode(bus, payload)
	})
}

// Command sends one command byte followed by its parameters, if any.
func (i *Interface) Command(ctx context.Context, cmd byte, params ...byte) error {
	if err := i.SendCommands(ctx, frame.Bytes(cmd)); err != nil {
		return fmt.Errorf("display: command %#02x: %w", cmd, err)
	}
	if len(params) == 0 {
		return nil
	}
	if err := i.SendData(ctx, frame.U8(params)); err != nil {
		return fmt.Errorf("display: command %#02x params: %w", cmd, err)
	}
	return nil
}
