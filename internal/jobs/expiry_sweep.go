// Package jobs hosts the background cron jobs of the sync core.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"chatsync/internal/repositories"
)

// Teardowner removes an expired conversation from the device.
type Teardowner interface {
	Teardown(ctx context.Context, conversationID string) error
}

// ExpirySweep periodically deletes conversations whose stored expiry has
// passed. Explosions observed while the app was closed are caught up here.
type ExpirySweep struct {
	convs    repositories.ConversationRepository
	teardown Teardowner
	cron     *cron.Cron
	spec     string
}

// NewExpirySweep constructs the sweep. spec is a cron expression; every
// minute is plenty, expiry precision is not sub-minute.
func NewExpirySweep(convs repositories.ConversationRepository, teardown Teardowner, spec string) *ExpirySweep {
	if spec == "" {
		spec = "@every 1m"
	}
	return &ExpirySweep{
		convs:    convs,
		teardown: teardown,
		cron:     cron.New(),
		spec:     spec,
	}
}

// Start registers and starts the cron schedule, running one sweep
// immediately to catch expiries that passed while the process was down.
func (s *ExpirySweep) Start(ctx context.Context) error {
	s.Sweep(ctx)
	_, err := s.cron.AddFunc(s.spec, func() {
		s.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *ExpirySweep) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep tears down every conversation whose expiry has passed.
func (s *ExpirySweep) Sweep(ctx context.Context) {
	expired, err := s.convs.ListExpired(ctx, time.Now())
	if err != nil {
		slog.Error("expiry sweep query failed", "err", err)
		return
	}
	for _, conv := range expired {
		if err := s.teardown.Teardown(ctx, conv.ID); err != nil {
			slog.Error("expired conversation teardown failed", "conversation", conv.ID, "err", err)
			continue
		}
		slog.Info("expired conversation torn down", "conversation", conv.ID)
	}
}
