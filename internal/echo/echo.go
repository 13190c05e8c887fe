// Package echo runs a single-client TCP echo service and reports its state on
// the display.
package echo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	appLog "blinkpanel/internal/log"
	"blinkpanel/internal/ui"
)

// DefaultIdleTimeout drops clients that send nothing for this long.
const DefaultIdleTimeout = 10 * time.Second

// Server echoes every byte it receives back to the sender.
type Server struct {
	Addr        string
	IdleTimeout time.Duration
	Ch          *ui.Channel
}

// Run listens on Addr and serves one client at a time until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("echo: listen %s: %w", s.Addr, err)
	}
	// Further connections wait in the kernel backlog until the current
	// client leaves.
	ln = netutil.LimitListener(ln, 1)

	addr := ln.Addr().String()
	appLog.Info("echo: listening", "addr", addr)
	s.publish(func(n *ui.Network) {
		n.Listen = addr
		n.Client = ""
	})

	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.publish(func(n *ui.Network) { *n = ui.Network{} })
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("echo: listener closed: %w", err)
			}
			appLog.Warn("echo: accept failed", "err", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(ctx, conn)
		}()
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	appLog.Info("echo: client connected", "peer", peer)
	s.publish(func(n *ui.Network) { n.Client = peer })

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
		s.publish(func(n *ui.Network) { n.Client = "" })
		appLog.Info("echo: client disconnected", "peer", peer)
	}()

	idle := s.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	buf := make([]byte, 4096)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		n, err := conn.Read(buf)
		if n > 0 {
			appLog.Debug("echo: rx", "peer", peer, "bytes", n)
			if _, werr := conn.Write(buf[:n]); werr != nil {
				appLog.Warn("echo: write failed", "peer", peer, "err", werr)
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				appLog.Debug("echo: read ended", "peer", peer, "err", err)
			}
			return
		}
	}
}

func (s *Server) publish(f func(n *ui.Network)) {
	if s.Ch == nil {
		return
	}
	s.Ch.Update(func(st *ui.State) ui.Event {
		f(&st.Network)
		return ui.EventNetwork
	})
}
