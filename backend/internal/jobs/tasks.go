package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Compactor is the part of the realtime engine the sweep drives.
type Compactor interface {
	CompactDue(ctx context.Context) int
}

// CompactionSweep snapshots open documents whose time trigger fired while
// they were idle.
type CompactionSweep struct {
	engine Compactor
	cron   string
}

func NewCompactionSweep(schedule string, engine Compactor) *CompactionSweep {
	return &CompactionSweep{engine: engine, cron: schedule}
}

func (c *CompactionSweep) Name() string     { return "compaction_sweep" }
func (c *CompactionSweep) Schedule() string { return c.cron }

func (c *CompactionSweep) Run(ctx context.Context) error {
	if n := c.engine.CompactDue(ctx); n > 0 {
		logrus.Infof("compaction sweep wrote %d snapshots", n)
	}
	return nil
}

// EventPurger deletes delivered sync events.
type EventPurger interface {
	PurgeDeliveredSyncEvents(ctx context.Context, before time.Time) (int64, error)
}

// SyncEventRetention drops delivered sync events older than the retention.
// Undelivered events are kept whatever their age.
type SyncEventRetention struct {
	store     EventPurger
	retention time.Duration
	cron      string
	now       func() time.Time
}

func NewSyncEventRetention(schedule string, st EventPurger, retention time.Duration) *SyncEventRetention {
	return &SyncEventRetention{store: st, retention: retention, cron: schedule, now: time.Now}
}

func (s *SyncEventRetention) Name() string     { return "sync_event_retention" }
func (s *SyncEventRetention) Schedule() string { return s.cron }

func (s *SyncEventRetention) Run(ctx context.Context) error {
	n, err := s.store.PurgeDeliveredSyncEvents(ctx, s.now().UTC().Add(-s.retention))
	if err != nil {
		return err
	}
	if n > 0 {
		logrus.Infof("purged %d delivered sync events", n)
	}
	return nil
}
