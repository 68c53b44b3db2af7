package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"chatsync/internal/cache"
	"chatsync/internal/media"
	"chatsync/internal/protocol"
	"chatsync/internal/storage"
)

// Prefetcher warms the on-disk image cache with decrypted group images and
// member avatars. It is best-effort and never authoritative: cancelled or
// failed fetches are logged at debug level and skipped. Only one
// conversation's prefetch runs at a time; starting a new one cancels the
// previous conversation's in-flight loads.
type Prefetcher struct {
	fetcher storage.Fetcher
	images  *cache.ImageCache

	mu      sync.Mutex
	current context.CancelFunc
	running sync.WaitGroup
}

// NewPrefetcher constructs a Prefetcher.
func NewPrefetcher(fetcher storage.Fetcher, images *cache.ImageCache) *Prefetcher {
	return &Prefetcher{fetcher: fetcher, images: images}
}

// Warm schedules background fetch+decrypt of the given refs for a
// conversation, cancelling whatever conversation was being warmed before.
func (p *Prefetcher) Warm(ctx context.Context, conversationID string, refs []protocol.ImageRef) {
	p.mu.Lock()
	if p.current != nil {
		p.current()
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.current = cancel
	p.mu.Unlock()

	p.running.Add(1)
	go func() {
		defer p.running.Done()
		defer cancel()

		g, gctx := errgroup.WithContext(runCtx)
		g.SetLimit(3)
		for _, ref := range refs {
			if ref.Zero() || len(ref.Key) == 0 {
				continue
			}
			ref := ref
			g.Go(func() error {
				p.warmOne(gctx, conversationID, ref)
				return nil
			})
		}
		g.Wait()
	}()
}

// Wait blocks until in-flight prefetches finish. Test and shutdown hook.
func (p *Prefetcher) Wait() {
	p.running.Wait()
}

func (p *Prefetcher) warmOne(ctx context.Context, conversationID string, ref protocol.ImageRef) {
	if _, ok := p.images.Path(ref.URL); ok {
		return
	}

	ciphertext, err := p.fetcher.Fetch(ctx, ref.URL)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("image prefetch failed", "conversation", conversationID, "url", ref.URL, "err", err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	plaintext, err := media.Open(ref.Key, ref.Nonce, ciphertext)
	if err != nil {
		slog.Debug("image prefetch decrypt failed", "conversation", conversationID, "url", ref.URL, "err", err)
		return
	}

	if err := p.images.Put(ref.URL, plaintext); err != nil {
		slog.Debug("image prefetch cache write failed", "conversation", conversationID, "err", err)
	}
}
