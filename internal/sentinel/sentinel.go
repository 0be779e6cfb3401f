// Package sentinel periodically returns abandoned command claims to the
// queue.
package sentinel

import (
	"context"
	"time"

	"tmon/internal/cmdqueue"
	"tmon/internal/logs"

	"github.com/sirupsen/logrus"
)

type Sweeper interface {
	Sweep(ctx context.Context) (cmdqueue.SweepResult, error)
}

type Sentinel struct {
	sweeper  Sweeper
	interval time.Duration
	log      logrus.FieldLogger
}

func New(s Sweeper, interval time.Duration) *Sentinel {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sentinel{sweeper: s, interval: interval, log: logs.Component("sentinel")}
}

// RunOnce performs a single sweep and logs what moved.
func (s *Sentinel) RunOnce(ctx context.Context) (cmdqueue.SweepResult, error) {
	r, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.log.WithError(err).Error("sweep failed")
		return r, err
	}
	if r.Requeued > 0 || r.Expired > 0 {
		s.log.WithFields(logrus.Fields{
			"requeued": r.Requeued,
			"expired":  r.Expired,
		}).Info("sweep")
	}
	return r, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
// Sweep errors are logged and the loop keeps going.
func (s *Sentinel) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	_, _ = s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}
