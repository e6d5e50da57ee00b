package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/poscred/internal/interceptor"
	"github.com/iliyamo/poscred/internal/model"
	"github.com/iliyamo/poscred/internal/syncer"
)

// DefaultSyncConcurrency bounds parallel SyncDay calls.
const DefaultSyncConcurrency = 4

// Connections lists every connected location.
type Connections interface {
	ListConnected(ctx context.Context) ([]model.Connection, error)
}

// RecordCounter reports whether a location's consumption record exists for a date.
type RecordCounter interface {
	Count(ctx context.Context, tenantID, locationID, provider, date string) (int, error)
}

type DaySyncer interface {
	SyncDay(ctx context.Context, t interceptor.Target, day time.Time) (syncer.Outcome, error)
}

// SyncSummary counts outcomes of one DailySync run.  Backoff covers targets
// held back by a breaker; Skipped covers every other skip.  Recorded is the
// number of locations holding a consumption record for Date after the run,
// including records stored by an earlier run.
type SyncSummary struct {
	Date     string           `json:"date"`
	OK       int              `json:"ok"`
	Skipped  int              `json:"skipped"`
	Backoff  int              `json:"backoff"`
	Invalid  int              `json:"invalid"`
	Error    int              `json:"error"`
	Recorded int              `json:"recorded"`
	Outcomes []syncer.Outcome `json:"outcomes"`
}

func (s *SyncSummary) count(out syncer.Outcome) {
	switch {
	case out.Status == model.SyncOK:
		s.OK++
	case out.Status == model.SyncSkipped && (out.SkipReason == model.SkipBackoff || out.SkipReason == model.SkipCircuitOpen):
		s.Backoff++
	case out.Status == model.SyncSkipped && out.SkipReason == model.SkipInvalidCredentials:
		s.Invalid++
	case out.Status == model.SyncSkipped:
		s.Skipped++
	default:
		s.Error++
	}
}

// DailySync syncs one UTC day for every connected location.
type DailySync struct {
	base
	conns       Connections
	syncer      DaySyncer
	records     RecordCounter
	concurrency int
}

// NewDailySync returns a job syncing up to concurrency locations at once.
func NewDailySync(conns Connections, s DaySyncer, concurrency int, opts ...Option) *DailySync {
	if concurrency <= 0 {
		concurrency = DefaultSyncConcurrency
	}
	return &DailySync{base: newBase(opts), conns: conns, syncer: s, concurrency: concurrency}
}

// WithRecords makes Run fill SyncSummary.Recorded from r.
func (d *DailySync) WithRecords(r RecordCounter) *DailySync {
	d.records = r
	return d
}

// Run syncs day for all connections.  Item failures, including a store
// fault while syncing one item, are counted; only failing to list the
// connections is returned as an error.
func (d *DailySync) Run(ctx context.Context, day time.Time) (SyncSummary, error) {
	from, _ := syncer.DayWindow(day)
	sum := SyncSummary{Date: from.Format(model.DateLayout), Outcomes: []syncer.Outcome{}}
	conns, err := d.conns.ListConnected(ctx)
	if err != nil {
		return sum, fmt.Errorf("list connections: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, c := range conns {
		g.Go(func() error {
			t := interceptor.Target{TenantID: c.TenantID, LocationID: c.LocationID, Provider: c.Provider}
			log := d.log.WithFields(logrus.Fields{"provider": c.Provider, "location_id": c.LocationID})
			out, err := d.syncer.SyncDay(gctx, t, from)
			if err != nil {
				log.WithError(err).Error("sync item failed")
				out.Status = model.SyncError
				out.Error = err.Error()
			}
			recorded := d.recorded(gctx, t, sum.Date, out, log)
			mu.Lock()
			sum.count(out)
			if recorded {
				sum.Recorded++
			}
			sum.Outcomes = append(sum.Outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	d.log.WithFields(logrus.Fields{
		"date":     sum.Date,
		"ok":       sum.OK,
		"skipped":  sum.Skipped,
		"backoff":  sum.Backoff,
		"invalid":  sum.Invalid,
		"error":    sum.Error,
		"recorded": sum.Recorded,
	}).Info("daily sync finished")
	return sum, nil
}

// recorded reports whether t has a stored record for date.  A lookup fault
// is logged and counts as not recorded.
func (d *DailySync) recorded(ctx context.Context, t interceptor.Target, date string, out syncer.Outcome, log *logrus.Entry) bool {
	if d.records == nil {
		return false
	}
	n, err := d.records.Count(ctx, t.TenantID, t.LocationID, t.Provider, date)
	if err != nil {
		log.WithError(err).Warn("count consumption records failed")
		return false
	}
	if n == 0 && out.Status == model.SyncOK {
		log.WithField("date", date).Warn("sync succeeded but no consumption record is stored")
	}
	return n > 0
}
