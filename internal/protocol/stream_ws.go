package protocol

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// WSStream consumes the protocol engine's local websocket feed of decoded
// envelopes. It reconnects with backoff until its context is cancelled;
// envelopes that fail to decode are logged and skipped, never fatal.
type WSStream struct {
	url    string
	out    chan Envelope
	cancel context.CancelFunc
	done   chan struct{}
}

// DialStream connects to the engine feed and starts the read loop.
func DialStream(ctx context.Context, url string) *WSStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &WSStream{
		url:    url,
		out:    make(chan Envelope, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Envelopes yields inbound messages until the stream closes.
func (s *WSStream) Envelopes() <-chan Envelope {
	return s.out
}

// Close stops the read loop and closes the envelope channel.
func (s *WSStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *WSStream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			slog.Warn("engine feed dial failed", "url", s.url, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		slog.Info("engine feed connected", "url", s.url)

		s.read(ctx, conn)
		conn.Close()
	}
}

func (s *WSStream) read(ctx context.Context, conn *websocket.Conn) {
	// The watcher unblocks ReadMessage on cancellation and exits with the
	// read loop, so reconnects never accumulate goroutines.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readDone:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("engine feed read error", "err", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			slog.Warn("engine feed envelope decode failed", "err", err)
			continue
		}

		select {
		case s.out <- env:
		case <-ctx.Done():
			return
		}
	}
}
