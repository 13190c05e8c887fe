package battery

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"

	"blinkpanel/internal/ui"
)

func gaugeOps(addr uint16, mv uint16, pct byte) []i2ctest.IO {
	return []i2ctest.IO{
		{Addr: addr, W: []byte{0x22}, R: []byte{byte(mv >> 8)}},
		{Addr: addr, W: []byte{0x23}, R: []byte{byte(mv)}},
		{Addr: addr, W: []byte{0x2A}, R: []byte{pct}},
	}
}

func TestI2CReader(t *testing.T) {
	bus := &i2ctest.Playback{Ops: gaugeOps(DefaultAddr, 4012, 87), DontPanic: true}
	r := NewI2CReader(bus, DefaultAddr)

	st, err := r.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, Status{Percent: 87, VoltageMv: 4012}, st)
	require.NoError(t, bus.Close())
}

func TestI2CReaderClampsPercent(t *testing.T) {
	bus := &i2ctest.Playback{Ops: gaugeOps(DefaultAddr, 4200, 140), DontPanic: true}
	st, err := NewI2CReader(bus, DefaultAddr).Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, 100, st.Percent)
}

func TestI2CReaderError(t *testing.T) {
	bus := &i2ctest.Playback{DontPanic: true}
	_, err := NewI2CReader(bus, DefaultAddr).Read(context.Background())
	require.Error(t, err)
}

func TestMockReaderStaysInRange(t *testing.T) {
	r := NewMockReader(1)
	for i := 0; i < 200; i++ {
		st, err := r.Read(context.Background())
		require.NoError(t, err)
		require.GreaterOrEqual(t, st.Percent, 20)
		require.LessOrEqual(t, st.Percent, 100)
	}
}

func TestPollerPublishes(t *testing.T) {
	ops := append(gaugeOps(DefaultAddr, 4012, 87), gaugeOps(DefaultAddr, 3990, 85)...)
	bus := &i2ctest.Playback{Ops: ops, DontPanic: true}
	clock := clockwork.NewFakeClock()
	ch := ui.NewChannel()
	p := &Poller{Reader: NewI2CReader(bus, DefaultAddr), Interval: time.Minute, Clock: clock, Ch: ch}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	ev, s, err := ch.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, ui.EventBattery, ev)
	require.Equal(t, ui.Battery{Known: true, Percent: 87, VoltageMv: 4012}, s.Battery)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	_, s, err = ch.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 85, s.Battery.Percent)

	// Playback is exhausted now: failures keep the last reading.
	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	clock.BlockUntil(1)
	require.Equal(t, 85, ch.Snapshot().Battery.Percent)

	cancel()
	require.NoError(t, <-done)
}
