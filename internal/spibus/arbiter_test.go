package spibus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

// recorder keeps the ordered list of hardware events seen by the fakes.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeBus struct {
	rec *recorder

	writeErr error
	readErr  error
	flushErr error
	freqErr  error
	readData []byte

	active  atomic.Int32
	overlap atomic.Bool
}

func (b *fakeBus) Write(p []byte) error {
	b.rec.add("write:%x", p)
	return b.writeErr
}

func (b *fakeBus) Read(p []byte) error {
	b.rec.add("read:%d", len(p))
	copy(p, b.readData)
	return b.readErr
}

func (b *fakeBus) Flush() error {
	b.rec.add("flush")
	return b.flushErr
}

func (b *fakeBus) SetFrequency(f physic.Frequency) error {
	b.rec.add("freq:%d", int64(f/physic.Hertz))
	return b.freqErr
}

type fakeSelect struct {
	rec  *recorder
	name string
	bus  *fakeBus

	assertErr   error
	deassertErr error

	mu        sync.Mutex
	asserted  bool
	deasserts int
}

func (s *fakeSelect) Assert() error {
	s.rec.add("%s:assert", s.name)
	if s.bus != nil && s.bus.active.Add(1) > 1 {
		s.bus.overlap.Store(true)
	}
	s.mu.Lock()
	s.asserted = true
	s.mu.Unlock()
	return s.assertErr
}

func (s *fakeSelect) Deassert() error {
	s.rec.add("%s:deassert", s.name)
	if s.bus != nil {
		s.bus.active.Add(-1)
	}
	s.mu.Lock()
	s.asserted = false
	s.deasserts++
	s.mu.Unlock()
	return s.deassertErr
}

func newFixture() (*recorder, *fakeBus, *Arbiter) {
	rec := &recorder{}
	bus := &fakeBus{rec: rec}
	return rec, bus, NewArbiter(bus)
}

func TestTransactionSequence(t *testing.T) {
	rec, bus, arb := newFixture()
	sel := &fakeSelect{rec: rec, name: "touch", bus: bus}
	dev := arb.Device("touch", sel, 200*physic.KiloHertz)

	err := dev.Transaction(context.Background(), func(_ context.Context, b Bus) error {
		if err := b.Write([]byte{0x90}); err != nil {
			return err
		}
		return b.Read(make([]byte, 2))
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"freq:200000",
		"touch:assert",
		"write:90",
		"read:2",
		"flush",
		"touch:deassert",
	}, rec.list())
	require.Equal(t, Stats{Transactions: 1}, arb.Stats())
}

func TestTransactionAlwaysReleasesSelect(t *testing.T) {
	callerErr := errors.New("caller")
	hwErr := errors.New("hw")

	tests := []struct {
		name   string
		setup  func(b *fakeBus, s *fakeSelect)
		fn     func(ctx context.Context, b Bus) error
		target any
		is     error
	}{
		{
			name: "success",
			fn:   func(context.Context, Bus) error { return nil },
		},
		{
			name: "caller failure",
			fn:   func(context.Context, Bus) error { return callerErr },
			is:   callerErr,
		},
		{
			name:  "write failure",
			setup: func(b *fakeBus, _ *fakeSelect) { b.writeErr = hwErr },
			fn: func(_ context.Context, b Bus) error {
				return b.Write([]byte{1})
			},
			target: new(*BusError),
			is:     hwErr,
		},
		{
			name:   "flush failure",
			setup:  func(b *fakeBus, _ *fakeSelect) { b.flushErr = hwErr },
			fn:     func(context.Context, Bus) error { return nil },
			target: new(*BusError),
			is:     hwErr,
		},
		{
			name:   "assert failure",
			setup:  func(_ *fakeBus, s *fakeSelect) { s.assertErr = hwErr },
			fn:     func(context.Context, Bus) error { return nil },
			target: new(*SelectError),
			is:     hwErr,
		},
		{
			name:   "deassert failure",
			setup:  func(_ *fakeBus, s *fakeSelect) { s.deassertErr = hwErr },
			fn:     func(context.Context, Bus) error { return nil },
			target: new(*SelectError),
			is:     hwErr,
		},
		{
			name: "everything fails",
			setup: func(b *fakeBus, s *fakeSelect) {
				b.flushErr = hwErr
				s.deassertErr = hwErr
			},
			fn: func(context.Context, Bus) error { return callerErr },
			is: callerErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, bus, arb := newFixture()
			sel := &fakeSelect{rec: rec, name: "dev"}
			if tt.setup != nil {
				tt.setup(bus, sel)
			}
			dev := arb.Device("dev", sel, physic.MegaHertz)

			err := dev.Transaction(context.Background(), tt.fn)
			if tt.is != nil {
				require.ErrorIs(t, err, tt.is)
			} else {
				require.NoError(t, err)
			}
			if tt.target != nil {
				require.ErrorAs(t, err, tt.target)
			}
			require.False(t, sel.asserted)
			require.Equal(t, 1, sel.deasserts)
		})
	}
}

func TestTransactionErrorPriority(t *testing.T) {
	flushErr := errors.New("flush")
	deassertErr := errors.New("deassert")

	rec, bus, arb := newFixture()
	bus.flushErr = flushErr
	sel := &fakeSelect{rec: rec, name: "dev", deassertErr: deassertErr}
	dev := arb.Device("dev", sel, physic.MegaHertz)

	err := dev.Transaction(context.Background(), func(context.Context, Bus) error { return nil })
	require.ErrorIs(t, err, flushErr)
	require.NotErrorIs(t, err, deassertErr)

	var be *BusError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "flush", be.Op)
	require.Equal(t, Stats{Transactions: 1, Failures: 1}, arb.Stats())
}

func TestTransactionAssertFailureSkipsBus(t *testing.T) {
	rec, _, arb := newFixture()
	sel := &fakeSelect{rec: rec, name: "dev", assertErr: errors.New("stuck")}
	dev := arb.Device("dev", sel, physic.MegaHertz)

	called := false
	err := dev.Transaction(context.Background(), func(context.Context, Bus) error {
		called = true
		return nil
	})

	var se *SelectError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "assert", se.Op)
	require.False(t, called)
	require.Equal(t, []string{"freq:1000000", "dev:assert", "dev:deassert"}, rec.list())
}

func TestTransactionConfigureFailure(t *testing.T) {
	rec, bus, arb := newFixture()
	bus.freqErr = errors.New("bad clock")
	sel := &fakeSelect{rec: rec, name: "dev"}
	dev := arb.Device("dev", sel, physic.MegaHertz)

	err := dev.Transaction(context.Background(), func(context.Context, Bus) error { return nil })
	var be *BusError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "configure", be.Op)
	require.Equal(t, []string{"freq:1000000"}, rec.list())
}

func TestTransactionFrequencyIsolation(t *testing.T) {
	rec, _, arb := newFixture()
	touch := arb.Device("touch", &fakeSelect{rec: rec, name: "touch"}, 200*physic.KiloHertz)
	lcd := arb.Device("lcd", &fakeSelect{rec: rec, name: "lcd"}, 16*physic.MegaHertz)

	noop := func(context.Context, Bus) error { return nil }
	ctx := context.Background()
	require.NoError(t, lcd.Transaction(ctx, noop))
	require.NoError(t, touch.Transaction(ctx, noop))
	require.NoError(t, touch.Transaction(ctx, noop))
	require.NoError(t, lcd.Transaction(ctx, noop))

	events := rec.list()
	for i, ev := range events {
		switch ev {
		case "touch:assert":
			require.Equal(t, "freq:200000", events[i-1])
		case "lcd:assert":
			require.Equal(t, "freq:16000000", events[i-1])
		}
	}
}

func TestTransactionReentrant(t *testing.T) {
	rec, _, arb := newFixture()
	outer := arb.Device("lcd", &fakeSelect{rec: rec, name: "lcd"}, 16*physic.MegaHertz)
	inner := arb.Device("touch", &fakeSelect{rec: rec, name: "touch"}, 200*physic.KiloHertz)

	var innerErr error
	var before, after int
	err := outer.Transaction(context.Background(), func(ctx context.Context, _ Bus) error {
		before = len(rec.list())
		innerErr = inner.Transaction(ctx, func(context.Context, Bus) error {
			t.Fatal("nested transaction must not run")
			return nil
		})
		after = len(rec.list())
		return nil
	})
	require.NoError(t, err)
	require.ErrorIs(t, innerErr, ErrReentrant)
	require.Equal(t, before, after)
}

func TestTransactionHandleExpires(t *testing.T) {
	rec, _, arb := newFixture()
	dev := arb.Device("dev", &fakeSelect{rec: rec, name: "dev"}, physic.MegaHertz)

	var leaked Bus
	require.NoError(t, dev.Transaction(context.Background(), func(_ context.Context, b Bus) error {
		leaked = b
		return nil
	}))
	n := len(rec.list())
	require.ErrorIs(t, leaked.Write([]byte{1}), ErrTxClosed)
	require.ErrorIs(t, leaked.Read(make([]byte, 1)), ErrTxClosed)
	require.Len(t, rec.list(), n)
}

func TestTransactionReleasesOnPanic(t *testing.T) {
	rec, _, arb := newFixture()
	sel := &fakeSelect{rec: rec, name: "dev"}
	dev := arb.Device("dev", sel, physic.MegaHertz)

	require.Panics(t, func() {
		_ = dev.Transaction(context.Background(), func(context.Context, Bus) error {
			panic("boom")
		})
	})
	require.False(t, sel.asserted)
	require.Equal(t, 1, sel.deasserts)

	// The bus must be usable again.
	require.NoError(t, dev.Transaction(context.Background(), func(context.Context, Bus) error { return nil }))
}

func TestTransactionSerializesGoroutines(t *testing.T) {
	rec, bus, arb := newFixture()
	a := arb.Device("a", &fakeSelect{rec: rec, name: "a", bus: bus}, physic.MegaHertz)
	b := arb.Device("b", &fakeSelect{rec: rec, name: "b", bus: bus}, 2*physic.MegaHertz)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		dev := a
		if i%2 == 1 {
			dev = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				err := dev.Transaction(context.Background(), func(_ context.Context, bb Bus) error {
					return bb.Write([]byte{byte(j)})
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.False(t, bus.overlap.Load())
	require.Equal(t, uint64(400), arb.Stats().Transactions)
}

func TestTransactionWaitHonoursContext(t *testing.T) {
	rec, _, arb := newFixture()
	dev := arb.Device("dev", &fakeSelect{rec: rec, name: "dev"}, physic.MegaHertz)

	hold := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = dev.Transaction(context.Background(), func(context.Context, Bus) error {
			close(held)
			<-hold
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := dev.Transaction(ctx, func(context.Context, Bus) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(hold)
}

func TestDo(t *testing.T) {
	rec, bus, arb := newFixture()
	bus.readData = []byte{0xAB, 0xCD}
	dev := arb.Device("dev", &fakeSelect{rec: rec, name: "dev"}, physic.MegaHertz)

	v, err := Do(context.Background(), dev, func(_ context.Context, b Bus) (uint16, error) {
		buf := make([]byte, 2)
		if err := b.Read(buf); err != nil {
			return 0, err
		}
		return uint16(buf[0])<<8 | uint16(buf[1]), nil
	})
	require.NoError(t, err)
	require.Equal(t, uint16(0xABCD), v)

	bus.readErr = errors.New("nak")
	v, err = Do(context.Background(), dev, func(_ context.Context, b Bus) (uint16, error) {
		return 7, b.Read(make([]byte, 2))
	})
	require.Error(t, err)
	require.Zero(t, v)
}
