package spibus

import (
	"context"
	"sync/atomic"

	"periph.io/x/conn/v3/physic"

	appLog "blinkpanel/internal/log"
)

// Arbiter owns exclusive access to one physical bus.
//
// Transactions on one Arbiter are totally ordered: a second goroutine blocks
// until the current transaction has flushed and deasserted its select line.
type Arbiter struct {
	bus Bus
	sem chan struct{}

	transactions atomic.Uint64
	failures     atomic.Uint64
}

// Stats is a snapshot of arbiter counters.
type Stats struct {
	Transactions uint64 `json:"transactions"`
	Failures     uint64 `json:"failures"`
}

// txKey marks a context as running inside a transaction of one arbiter.
type txKey struct{ a *Arbiter }

// NewArbiter wraps bus. The caller must not touch bus directly afterwards.
func NewArbiter(bus Bus) *Arbiter {
	return &Arbiter{
		bus: bus,
		sem: make(chan struct{}, 1),
	}
}

// Stats returns the number of completed and failed transactions.
func (a *Arbiter) Stats() Stats {
	return Stats{
		Transactions: a.transactions.Load(),
		Failures:     a.failures.Load(),
	}
}

// Device registers a logical device on the bus.
func (a *Arbiter) Device(name string, sel SelectLine, freq physic.Frequency) *Device {
	return &Device{
		arb:  a,
		name: name,
		sel:  sel,
		freq: freq,
	}
}

// Device is one peripheral on a shared bus: a select line plus the clock it
// must run at. It is immutable and safe to share between goroutines.
type Device struct {
	arb  *Arbiter
	name string
	sel  SelectLine
	freq physic.Frequency
}

// Name returns the device name used in errors and logs.
func (d *Device) Name() string { return d.name }

// Frequency returns the clock programmed for every transaction.
func (d *Device) Frequency() physic.Frequency { return d.freq }

// Transaction acquires the bus for d, programs its clock, asserts its select
// line and runs f. Flush and deassert are attempted on every exit path,
// including a panic in f.
//
// The returned error is, in priority order: the error from f, the flush
// error, the deassert error. Lower priority errors are logged.
//
// f receives a context marking the transaction; opening another transaction
// on the same arbiter with that context fails with ErrReentrant.
func (d *Device) Transaction(ctx context.Context, f func(ctx context.Context, bus Bus) error) (err error) {
	a := d.arb
	if ctx.Value(txKey{a}) != nil {
		return ErrReentrant
	}

	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() {
		a.transactions.Add(1)
		if err != nil {
			a.failures.Add(1)
		}
		<-a.sem
	}()

	// Always re-applied: the previous transaction may have been another
	// device at another clock.
	if ferr := a.bus.SetFrequency(d.freq); ferr != nil {
		return &BusError{Device: d.name, Op: "configure", Err: ferr}
	}

	if serr := d.sel.Assert(); serr != nil {
		if derr := d.sel.Deassert(); derr != nil {
			appLog.Error("spibus: deassert after failed assert", derr, "device", d.name)
		}
		return &SelectError{Device: d.name, Op: "assert", Err: serr}
	}

	tx := &txBus{bus: a.bus, dev: d.name}
	defer func() {
		tx.closed.Store(true)

		var flushErr, deassertErr error
		if e := a.bus.Flush(); e != nil {
			flushErr = &BusError{Device: d.name, Op: "flush", Err: e}
		}
		if e := d.sel.Deassert(); e != nil {
			deassertErr = &SelectError{Device: d.name, Op: "deassert", Err: e}
		}
		err = d.settle(err, flushErr, deassertErr)
	}()

	return f(context.WithValue(ctx, txKey{a}, d), tx)
}

// settle picks the error to report and logs the ones that lose.
func (d *Device) settle(callErr, flushErr, deassertErr error) error {
	report := func(err error) {
		if err != nil {
			appLog.Error("spibus: cleanup error suppressed", err, "device", d.name)
		}
	}
	switch {
	case callErr != nil:
		report(flushErr)
		report(deassertErr)
		return callErr
	case flushErr != nil:
		report(deassertErr)
		return flushErr
	default:
		return deassertErr
	}
}

// Do runs f in a transaction on d and returns its result.
func Do[R any](ctx context.Context, d *Device, f func(ctx context.Context, bus Bus) (R, error)) (R, error) {
	var r R
	err := d.Transaction(ctx, func(ctx context.Context, bus Bus) error {
		var err error
		r, err = f(ctx, bus)
		return err
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return r, nil
}

// txBus is the bus handle handed to transaction callers. It stops working as
// soon as the transaction ends.
type txBus struct {
	bus    Bus
	dev    string
	closed atomic.Bool
}

func (t *txBus) Write(p []byte) error {
	if t.closed.Load() {
		return ErrTxClosed
	}
	if err := t.bus.Write(p); err != nil {
		return &BusError{Device: t.dev, Op: "write", Err: err}
	}
	return nil
}

func (t *txBus) Read(p []byte) error {
	if t.closed.Load() {
		return ErrTxClosed
	}
	if err := t.bus.Read(p); err != nil {
		return &BusError{Device: t.dev, Op: "read", Err: err}
	}
	return nil
}

func (t *txBus) Flush() error {
	if t.closed.Load() {
		return ErrTxClosed
	}
	if err := t.bus.Flush(); err != nil {
		return &BusError{Device: t.dev, Op: "flush", Err: err}
	}
	return nil
}

func (t *txBus) SetFrequency(f physic.Frequency) error {
	if t.closed.Load() {
		return ErrTxClosed
	}
	if err := t.bus.SetFrequency(f); err != nil {
		return &BusError{Device: t.dev, Op: "configure", Err: err}
	}
	return nil
}
