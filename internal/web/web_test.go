package web

import (
	"context"
	"encoding/json"
	"image/png"
	"iter"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"blinkpanel/internal/config"
	"blinkpanel/internal/spibus"
	"blinkpanel/internal/touch"
	"blinkpanel/internal/ui"
)

type discardPanel struct{}

func (discardPanel) DrawPixels(_ context.Context, _, _, _, _ int, px iter.Seq[uint16]) error {
	for range px {
	}
	return nil
}

type staticBus spibus.Stats

func (b staticBus) Stats() spibus.Stats { return spibus.Stats(b) }

type staticTouch touch.Stats

func (t staticTouch) Stats() touch.Stats { return touch.Stats(t) }

func newTestServer(cfg config.WebConfig) (*Server, *ui.Channel, *ui.Refresher) {
	ch := ui.NewChannel()
	ref := ui.NewRefresher(ch, ui.NewCanvas(32, 24), discardPanel{})
	s := NewServer(cfg, Deps{
		Ch:        ch,
		Refresher: ref,
		Bus:       staticBus{Transactions: 7, Failures: 1},
		Touch:     staticTouch{Samples: 5},
	})
	return s, ch, ref
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(config.WebConfig{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
}

func TestStateBeforeFirstFrame(t *testing.T) {
	s, ch, _ := newTestServer(config.WebConfig{})
	ch.Update(func(st *ui.State) ui.Event { st.Button = true; return ui.EventButton })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp stateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Rendered)
	require.True(t, resp.Pending)
	require.True(t, resp.State.Button)
	require.Equal(t, &spibus.Stats{Transactions: 7, Failures: 1}, resp.Bus)
	require.Equal(t, &touch.Stats{Samples: 5}, resp.Touch)
}

func TestStateAfterRender(t *testing.T) {
	s, ch, ref := newTestServer(config.WebConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ref.Run(ctx) }()

	ch.Update(func(st *ui.State) ui.Event { st.Blink = true; return ui.EventBlink })
	require.Eventually(t, func() bool {
		st, ok := ref.Last()
		return ok && st.Blink
	}, time.Second, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	var resp stateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Rendered)
	require.True(t, resp.State.Blink)
	require.NotZero(t, resp.Frames.Frames)
}

func TestRepaint(t *testing.T) {
	s, ch, _ := newTestServer(config.WebConfig{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/repaint", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/repaint", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"epoch":1}`, rec.Body.String())

	ev, st, err := ch.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, ui.EventRepaint, ev)
	require.Equal(t, uint64(1), st.Epoch)
}

func TestPreview(t *testing.T) {
	s, _, _ := newTestServer(config.WebConfig{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	require.Equal(t, 32, img.Bounds().Dx())
	require.Equal(t, 24, img.Bounds().Dy())
}

func TestWithoutDisplay(t *testing.T) {
	s := NewServer(config.WebConfig{}, Deps{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/repaint"},
		{http.MethodGet, "/preview.png"},
	} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, tc.path)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), `"bus"`)
}

func TestBasicAuth(t *testing.T) {
	s, _, _ := newTestServer(config.WebConfig{
		BasicAuth: &config.BasicAuthConfig{Username: "admin", Password: "secret"},
	})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code, "health stays public")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBasicAuthEmptyCredentialsDisabled(t *testing.T) {
	s, _, _ := newTestServer(config.WebConfig{BasicAuth: &config.BasicAuthConfig{Username: "admin"}})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStream(t *testing.T) {
	s, ch, _ := newTestServer(config.WebConfig{})
	s.StreamInterval = 10 * time.Millisecond

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	addr := ln.Addr().String()
	ws, err := websocket.Dial("ws://"+addr+"/ws/state", "", "http://"+addr+"/")
	require.NoError(t, err)
	defer ws.Close()

	var st ui.State
	require.NoError(t, websocket.JSON.Receive(ws, &st))
	require.Equal(t, ui.State{}, st)

	ch.Update(func(st *ui.State) ui.Event {
		st.Touch = ui.Touch{X: 10, Y: 20, Contact: true}
		return ui.EventTouch
	})
	require.NoError(t, websocket.JSON.Receive(ws, &st))
	require.Equal(t, ui.Touch{X: 10, Y: 20, Contact: true}, st.Touch)

	cancel()
	require.NoError(t, <-done)
}

func TestRunListenError(t *testing.T) {
	s := NewServer(config.WebConfig{Listen: "127.0.0.1:99999"}, Deps{})
	err := s.Run(context.Background())
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "web: listen"))
}
