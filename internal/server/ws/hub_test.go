package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger/ledgertest"
	"github.com/alanyoungcy/dayauction/internal/server/ws"
)

type staticStatus struct{ st domain.AuctionStatus }

func (s staticStatus) Status(context.Context) (domain.AuctionStatus, error) { return s.st, nil }

type hubFixture struct {
	url      string
	cancel   context.CancelFunc
	stopped  chan struct{}
	returned chan struct{}
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	hub := ws.NewHub(staticStatus{st: domain.AuctionStatus{DayIndex: 42}}, ledgertest.DiscardLogger(), ws.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	f := &hubFixture{
		cancel:   cancel,
		stopped:  make(chan struct{}),
		returned: make(chan struct{}, 16),
	}
	go func() {
		_ = hub.Run(ctx)
		close(f.stopped)
	}()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWS(w, r)
		f.returned <- struct{}{}
	}))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	f.url = "ws" + strings.TrimPrefix(ts.URL, "http")
	return f
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func (f *hubFixture) waitHandler(t *testing.T) {
	t.Helper()
	select {
	case <-f.returned:
	case <-time.After(5 * time.Second):
		t.Fatal("HandleWS did not return")
	}
}

func TestHub_InitialStatus(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)

	var env struct {
		Type    string               `json:"type"`
		Payload domain.AuctionStatus `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, ws.TypeStatus, env.Type)
	assert.Equal(t, int64(42), env.Payload.DayIndex)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	f.waitHandler(t)

	var env ws.Envelope
	require.NoError(t, conn.ReadJSON(&env))

	f.cancel()
	<-f.stopped

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestHub_ConnectAfterShutdownDoesNotBlock(t *testing.T) {
	f := newHubFixture(t)
	f.cancel()
	<-f.stopped

	conn := f.dial(t)
	f.waitHandler(t)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
