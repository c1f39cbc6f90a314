// Package scheduler runs the background jobs: the nightly expiry sweep
// and the hourly stats snapshot.
package scheduler

import (
	"context"
	"strconv"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/redlytic/analyzer-bot/store"
)

const sweepBatchSize = 500

type Scheduler struct {
	cron  *cron.Cron
	store store.LedgerStore
}

func New(s store.LedgerStore) *Scheduler {
	return &Scheduler{
		cron:  cron.New(),
		store: s,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("17 3 * * *", func() {
		if n, err := s.SweepExpired(ctx); err != nil {
			log.WithError(err).Error("Expiry sweep failed")
		} else if n > 0 {
			log.WithField("users", n).Info("Expiry sweep done")
		}
	})
	if err != nil {
		return err
	}

	_, err = s.cron.AddFunc("@hourly", func() {
		if err := s.SnapshotStats(ctx); err != nil {
			log.WithError(err).Error("Stats snapshot failed")
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// SweepExpired lapses every user whose expiry has passed. Expiry is
// also applied lazily on each balance touch; the sweep catches users
// who went quiet.
func (s *Scheduler) SweepExpired(ctx context.Context) (int, error) {
	swept := 0
	for {
		due, err := s.store.UsersDueForExpiry(ctx, sweepBatchSize)
		if err != nil {
			return swept, err
		}
		if len(due) == 0 {
			return swept, nil
		}
		progressed := false
		for _, userID := range due {
			forfeited, err := s.store.ExpireIfDue(ctx, userID)
			if err != nil {
				log.WithError(err).WithField("user_id", userID).Error("Failed to expire coins")
				continue
			}
			progressed = true
			if forfeited > 0 {
				log.WithFields(log.Fields{
					"user_id":   userID,
					"forfeited": forfeited,
				}).Info("Coins expired")
			}
			swept++
		}
		if !progressed || len(due) < sweepBatchSize {
			return swept, nil
		}
	}
}

// SnapshotStats persists the headline counters so dashboards can read
// them without the aggregate queries.
func (s *Scheduler) SnapshotStats(ctx context.Context) error {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return err
	}
	if err := s.store.SetStat(ctx, "total_users", strconv.FormatInt(stats.TotalUsers, 10)); err != nil {
		return err
	}
	if err := s.store.SetStat(ctx, "active_users", strconv.FormatInt(stats.ActiveUsers, 10)); err != nil {
		return err
	}
	return s.store.SetStat(ctx, "commands_24h", strconv.FormatInt(stats.Commands24h, 10))
}
