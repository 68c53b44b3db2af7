package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestStreamReconnectsWithoutLeakingWatchers(t *testing.T) {
	var conns atomic.Int32
	hold := make(chan struct{})
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop the first ten connections to force reconnects, then deliver.
		if conns.Add(1) <= 10 {
			conn.Close()
			return
		}
		if err := conn.WriteJSON(Envelope{NetworkID: "net-1", Kind: "text"}); err != nil {
			return
		}
		<-hold
		conn.Close()
	}))
	defer srv.Close()
	defer close(hold)

	base := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := DialStream(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))

	select {
	case env := <-stream.Envelopes():
		require.Equal(t, "net-1", env.NetworkID)
	case <-time.After(5 * time.Second):
		t.Fatal("no envelope after reconnects")
	}

	// Ten dropped connections must not leave ten parked goroutines behind.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine()-base < 8
	}, 2*time.Second, 50*time.Millisecond)

	require.NoError(t, stream.Close())
}
