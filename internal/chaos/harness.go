// Package chaos drives the rotation contracts (breaker check and record,
// leasing, rotate) from concurrent workers, the way independent job runners
// hit a shared store, so that breaker and leasing behaviour can be observed
// against a faulty provider such as provider/simulator.
package chaos

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/poscred/internal/breaker"
	"github.com/iliyamo/poscred/internal/model"
	"github.com/iliyamo/poscred/internal/poserr"
	"github.com/iliyamo/poscred/internal/repository"
	"github.com/iliyamo/poscred/internal/rotation"
	"github.com/iliyamo/poscred/internal/service"
)

// Harness runs rotation workers for one provider.
type Harness struct {
	Leaser   service.Leaser
	Rotator  service.Rotator
	Breaker  breaker.Gate
	Provider string
	Batch    int
}

// Report aggregates what the workers observed.
type Report struct {
	Checks  int64
	Refused int64
	Leased  int64
	Rotated int64
	Noop    int64
	Failed  int64
	// Duplicates lists locations leased more than once during the run.
	Duplicates []string
}

type counters struct {
	checks, refused, leased, rotated, noop, failed atomic.Int64

	mu   sync.Mutex
	seen map[string]int
}

func (c *counters) lease(loc string) {
	c.leased.Add(1)
	c.mu.Lock()
	c.seen[loc]++
	c.mu.Unlock()
}

// Run starts workers that each perform rounds lease-and-rotate cycles.  The
// first store error stops every worker and is returned.
func (h *Harness) Run(ctx context.Context, workers, rounds int) (Report, error) {
	c := &counters{seen: make(map[string]int)}
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				if err := h.round(gctx, c); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()

	rep := Report{
		Checks:  c.checks.Load(),
		Refused: c.refused.Load(),
		Leased:  c.leased.Load(),
		Rotated: c.rotated.Load(),
		Noop:    c.noop.Load(),
		Failed:  c.failed.Load(),
	}
	for loc, n := range c.seen {
		if n > 1 {
			rep.Duplicates = append(rep.Duplicates, loc)
		}
	}
	sort.Strings(rep.Duplicates)
	return rep, err
}

func (h *Harness) round(ctx context.Context, c *counters) error {
	key := breaker.Global(h.Provider)
	d, err := h.Breaker.Check(ctx, key)
	if err != nil {
		return err
	}
	c.checks.Add(1)
	if !d.Allowed {
		c.refused.Add(1)
		return nil
	}
	limit := h.Batch
	if d.TestMode {
		limit = 1
	}
	creds, err := h.Leaser.LeaseCandidates(ctx, repository.LeaseOptions{Provider: h.Provider, Limit: limit})
	if err != nil || len(creds) == 0 {
		if d.TestMode {
			_, _ = h.Breaker.Release(ctx, key)
		}
		return err
	}
	for _, cred := range creds {
		c.lease(cred.LocationID)
	}
	for _, cred := range creds {
		res, err := h.Rotator.Rotate(ctx, rotation.Request{
			LocationID: cred.LocationID,
			Provider:   h.Provider,
			SecretRef:  cred.SecretRef,
		})
		switch {
		case err == nil:
			if res.Result == model.RotationIdempotentNoop {
				c.noop.Add(1)
			} else {
				c.rotated.Add(1)
			}
			if _, err := h.Breaker.RecordSuccess(ctx, key); err != nil {
				return err
			}
		case poserr.CountsAsBreakerFailure(err):
			c.failed.Add(1)
			st, berr := h.Breaker.RecordFailure(ctx, key)
			if berr != nil {
				return berr
			}
			if st.State == model.BreakerOpen {
				return nil
			}
		default:
			c.failed.Add(1)
			if _, err := h.Breaker.Release(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}
