package remotesync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler drives the daily upload: a one-shot wait until the next
// local midnight, then a 24-hour cadence. Each tick runs one upload
// under the client's request timeout; failures are logged and the
// schedule carries on.
type Scheduler struct {
	client *Client
	log    *slog.Logger
	now    func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewScheduler creates a stopped scheduler for client.
func NewScheduler(client *Client, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		client: client,
		log:    log,
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Start launches the upload loop. Subsequent calls are no-ops.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.run(ctx)
	})
}

// Stop cancels any in-flight upload and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		} else {
			close(s.done)
		}
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	wait := untilNextMidnight(s.now())
	s.log.Info("daily upload scheduled", "first_in", wait)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.uploadOnce(ctx)
			timer.Reset(24 * time.Hour)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) uploadOnce(ctx context.Context) {
	uploadCtx, cancel := context.WithTimeout(ctx, s.client.cfg.RequestTimeout)
	defer cancel()

	if err := s.client.Upload(uploadCtx); err != nil {
		s.log.Warn("scheduled upload failed", "error", err)
	}
}

// untilNextMidnight is the duration from now to 00:00 of the following
// day in now's location.
func untilNextMidnight(now time.Time) time.Duration {
	year, month, day := now.Date()
	next := time.Date(year, month, day+1, 0, 0, 0, 0, now.Location())
	return next.Sub(now)
}
