// Package spibus multiplexes one physical SPI bus across several logical
// devices. Each device owns a chip-select line and a clock frequency; the bus
// itself is only reachable from inside a Transaction, which programs the
// device clock, asserts its select line, runs the caller and always flushes
// and deasserts again before the bus is handed to the next device.
package spibus

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// Writer sends bytes on the bus.
type Writer interface {
	Write(p []byte) error
}

// Reader clocks len(p) bytes in from the bus.
type Reader interface {
	Read(p []byte) error
}

// Flusher waits until every queued transfer has left the controller.
type Flusher interface {
	Flush() error
}

// FrequencySetter programs the bus clock.
type FrequencySetter interface {
	SetFrequency(f physic.Frequency) error
}

// Bus is the full capability set the arbiter needs from a physical bus.
// Hardware ports and test doubles both implement it.
type Bus interface {
	Writer
	Reader
	Flusher
	FrequencySetter
}

// SelectLine is the chip-select output of one device.
type SelectLine interface {
	Assert() error
	Deassert() error
}

var (
	// ErrReentrant is returned when a transaction is opened on a bus from
	// inside another transaction on the same bus. It is a programming error.
	ErrReentrant = errors.New("spibus: transaction already active on this bus")

	// ErrTxClosed is returned when a bus handle is used after the transaction
	// that produced it has ended.
	ErrTxClosed = errors.New("spibus: bus handle used outside its transaction")
)

// BusError reports a failed bus operation (configure, write, read, flush).
type BusError struct {
	Device string
	Op     string
	Err    error
}

// Error implements error.
func (e *BusError) Error() string {
	return fmt.Sprintf("spibus: %s: %s failed: %v", e.Device, e.Op, e.Err)
}

func (e *BusError) Unwrap() error { return e.Err }

// SelectError reports a failure to drive a chip-select line.
type SelectError struct {
	Device string
	Op     string // "assert" or "deassert"
	Err    error
}

// Error implements error.
func (e *SelectError) Error() string {
	return fmt.Sprintf("spibus: %s: select %s failed: %v", e.Device, e.Op, e.Err)
}

func (e *SelectError) Unwrap() error { return e.Err }
