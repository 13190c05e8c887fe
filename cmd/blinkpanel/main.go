package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"periph.io/x/conn/v3/physic"

	"blinkpanel/internal/battery"
	"blinkpanel/internal/config"
	"blinkpanel/internal/display"
	"blinkpanel/internal/echo"
	"blinkpanel/internal/hw"
	appLog "blinkpanel/internal/log"
	"blinkpanel/internal/spibus"
	"blinkpanel/internal/touch"
	"blinkpanel/internal/ui"
	"blinkpanel/internal/web"
)

// flagConfig holds CLI flag values that override the config file.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	simulate   bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Web.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	if flags.simulate {
		conf.Simulate = true
	}

	level, err := appLog.ParseLevel(conf.LogLevel)
	if err != nil {
		appLog.Error("invalid log level", err, "level", conf.LogLevel)
		os.Exit(1)
	}
	appLog.SetLevel(level)
	if conf.DiagSerial.Port != "" {
		if err := appLog.MirrorToSerial(conf.DiagSerial.Port, conf.DiagSerial.Baud); err != nil {
			appLog.Warn("diagnostic serial unavailable", "err", err)
		}
	}
	defer appLog.Close()

	appLog.Info("blinkpanel starting",
		"version", "0.1.0",
		"simulate", conf.Simulate,
		"spi", conf.SPI.Port,
		"display_hz", conf.Display.FrequencyHz,
		"touch_hz", conf.Touch.FrequencyHz,
		"echo", conf.Echo.Listen,
		"web", conf.Web.Listen,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf); err != nil {
		appLog.Error("blinkpanel failed", err)
		_ = appLog.Close()
		os.Exit(1)
	}
	appLog.Info("blinkpanel exiting")
}

func run(ctx context.Context, conf *config.Config) error {
	board, err := hw.Open(conf)
	if err != nil {
		return err
	}
	defer func() {
		if err := board.Close(); err != nil {
			appLog.Warn("closing board", "err", err)
		}
	}()

	arb := spibus.NewArbiter(board.Bus)

	displaySel, err := spibus.NewPinSelect(board.DisplayCS, conf.Display.CSActiveHigh)
	if err != nil {
		return err
	}
	displayDev := arb.Device("display", displaySel, physic.Frequency(conf.Display.FrequencyHz)*physic.Hertz)
	panel, err := display.NewPanel(display.NewInterface(displayDev, board.DisplayDC), board.DisplayReset, display.Config{
		Width:    conf.Display.Width,
		Height:   conf.Display.Height,
		Rotation: conf.Display.Rotation,
		BGR:      conf.Display.BGR,
	}, nil)
	if err != nil {
		return err
	}
	if err := panel.Reset(ctx); err != nil {
		return err
	}
	if err := panel.Init(ctx); err != nil {
		return err
	}

	touchSel, err := spibus.NewPinSelect(board.TouchCS, conf.Touch.CSActiveHigh)
	if err != nil {
		return err
	}
	touchDev := arb.Device("touch", touchSel, physic.Frequency(conf.Touch.FrequencyHz)*physic.Hertz)
	sampler, err := touch.New(touchDev, conf.Touch.Calibration)
	if err != nil {
		return err
	}

	w, h := panel.Size()
	ch := ui.NewChannel()
	refresher := ui.NewRefresher(ch, ui.NewCanvas(w, h), panel)

	g := newGroup(ctx)
	g.Go("refresh", refresher.Run)
	g.Go("touch", (&ui.TouchPoller{Sampler: sampler, Interval: conf.Touch.PollInterval, Ch: ch}).Run)
	if conf.RepaintCron != "" {
		g.Go("repaint", (&ui.Repainter{Spec: conf.RepaintCron, Ch: ch}).Run)
	}
	if board.LED != nil {
		g.Go("blink", (&ui.Blinker{LED: board.LED, Interval: conf.BlinkInterval, Ch: ch}).Run)
	}
	if board.Button != nil {
		g.Go("button", (&ui.ButtonMonitor{
			Pin:         board.Button,
			ActiveLow:   conf.Button.ActiveLow,
			EdgeTimeout: 250 * time.Millisecond,
			Ch:          ch,
		}).Run)
	}
	if conf.Echo.Listen != "" {
		g.Go("echo", (&echo.Server{Addr: conf.Echo.Listen, Ch: ch}).Run)
	}
	if board.Battery != nil {
		g.Go("battery", (&battery.Poller{Reader: board.Battery, Interval: conf.Battery.Interval, Ch: ch}).Run)
	}
	if conf.Web.Listen != "" {
		srv := web.NewServer(conf.Web, web.Deps{Ch: ch, Refresher: refresher, Bus: arb, Touch: sampler})
		g.Go("web", srv.Run)
	}
	return g.Wait()
}

// group runs tasks until the first failure or until the parent context ends.
type group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

func newGroup(parent context.Context) *group {
	ctx, cancel := context.WithCancel(parent)
	return &group{ctx: ctx, cancel: cancel}
}

func (g *group) Go(name string, f func(context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := f(g.ctx)
		if err == nil || (g.ctx.Err() != nil && errors.Is(err, g.ctx.Err())) {
			appLog.Debug("task stopped", "task", name)
			return
		}
		appLog.Error("task failed", err, "task", name)
		g.mu.Lock()
		if g.err == nil {
			g.err = err
		}
		g.mu.Unlock()
		g.cancel()
	}()
}

func (g *group) Wait() error {
	g.wg.Wait()
	g.cancel()
	return g.err
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/blinkpanel/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config if set)")
	flag.BoolVar(&cfg.simulate, "sim", false, "Run without hardware using in-memory SPI, GPIO and battery doubles")

	flag.Parse()

	return cfg
}
