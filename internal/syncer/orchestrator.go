package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/poscred/internal/alert"
	"github.com/iliyamo/poscred/internal/breaker"
	"github.com/iliyamo/poscred/internal/interceptor"
	"github.com/iliyamo/poscred/internal/model"
	"github.com/iliyamo/poscred/internal/poserr"
	"github.com/iliyamo/poscred/internal/provider"
	"github.com/iliyamo/poscred/internal/repository"
)

// Credentials reads and flags the credential used by a sync.
type Credentials interface {
	Get(ctx context.Context, locationID, provider string) (model.Credential, error)
}

// Consumption stores normalized sales records.
type Consumption interface {
	Upsert(ctx context.Context, rec model.ConsumptionRecord) error
}

// Runs records sync outcomes.
type Runs interface {
	Start(ctx context.Context, run *model.SyncRun) error
	Finish(ctx context.Context, run *model.SyncRun) error
}

// Caller runs provider calls through the 401 interceptor.
type Caller interface {
	Do(ctx context.Context, t interceptor.Target, call interceptor.Call) error
}

// Outcome is the result of one SyncDay.
type Outcome struct {
	RunID      string                   `json:"run_id"`
	TenantID   string                   `json:"tenant_id"`
	LocationID string                   `json:"location_id"`
	Provider   string                   `json:"provider"`
	Date       string                   `json:"date"`
	Status     model.SyncStatus         `json:"status"`
	SkipReason string                   `json:"skip_reason,omitempty"`
	RetryAfter time.Duration            `json:"retry_after,omitempty"`
	Attempts   int                      `json:"attempts"`
	Count      int                      `json:"count"`
	Record     *model.ConsumptionRecord `json:"record,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// Orchestrator syncs one tenant/location/provider day at a time.
type Orchestrator struct {
	creds     Credentials
	store     Consumption
	runs      Runs
	caller    Caller
	breaker   breaker.Gate
	providers provider.Registry
	policy    RetryPolicy
	maxPages  int
	events    alert.Emitter
	log       *logrus.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithRetryPolicy(p RetryPolicy) Option  { return func(o *Orchestrator) { o.policy = p } }
func WithMaxPages(n int) Option             { return func(o *Orchestrator) { o.maxPages = n } }
func WithEmitter(e alert.Emitter) Option    { return func(o *Orchestrator) { o.events = e } }
func WithLogger(l *logrus.Logger) Option    { return func(o *Orchestrator) { o.log = l } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// NewOrchestrator wires a sync orchestrator. Unset options fall back to
// DefaultRetryPolicy, a discarding emitter and the standard logger.
func NewOrchestrator(creds Credentials, store Consumption, runs Runs, caller Caller, br breaker.Gate, providers provider.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		creds:     creds,
		store:     store,
		runs:      runs,
		caller:    caller,
		breaker:   br,
		providers: providers,
		policy:    DefaultRetryPolicy(),
		events:    alert.Nop,
		log:       logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DayWindow returns [00:00, 24:00) UTC of the day containing t.
func DayWindow(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1)
}

// SyncDay syncs one UTC day.  Ineligible targets are skipped without any
// provider call.  Item level failures are reported in the Outcome; the
// returned error is reserved for store failures.
func (o *Orchestrator) SyncDay(ctx context.Context, t interceptor.Target, day time.Time) (Outcome, error) {
	from, to := DayWindow(day)
	run := &model.SyncRun{
		RunID:      uuid.NewString(),
		TenantID:   t.TenantID,
		LocationID: t.LocationID,
		Provider:   t.Provider,
		From:       from,
		To:         to,
		StartedAt:  o.now().UTC(),
	}
	out := Outcome{
		RunID:      run.RunID,
		TenantID:   t.TenantID,
		LocationID: t.LocationID,
		Provider:   t.Provider,
		Date:       from.Format(model.DateLayout),
	}
	log := o.log.WithFields(logrus.Fields{
		"run_id":      run.RunID,
		"provider":    t.Provider,
		"location_id": t.LocationID,
		"date":        out.Date,
	})
	if err := o.runs.Start(ctx, run); err != nil {
		return out, fmt.Errorf("start sync run: %w", err)
	}

	skip, retryAfter, err := o.eligibility(ctx, t)
	if err != nil {
		return out, o.finishInfra(ctx, run, err)
	}
	if skip != "" {
		out.Status, out.SkipReason, out.RetryAfter = model.SyncSkipped, skip, retryAfter
		log.WithField("skip_reason", skip).Info("sync skipped")
		return out, o.finish(ctx, run, out)
	}

	key := breaker.Location(t.Provider, t.LocationID)
	client, err := o.providers.Get(t.Provider)
	if err != nil {
		o.release(ctx, key, log)
		out.Status, out.Error = model.SyncError, err.Error()
		return out, o.finish(ctx, run, out)
	}

	var (
		sales  []provider.Sale
		cursor string
	)
	// a failed attempt keeps the pages read so far and resumes at the cursor
	fetch := func(ctx context.Context) (int, error) {
		err := o.caller.Do(breaker.Holding(ctx, key), t, func(ctx context.Context, secret string) error {
			got, next, err := provider.CollectSales(ctx, client, secret, from, to, cursor, o.maxPages)
			sales = append(sales, got...)
			cursor = next
			return err
		})
		return len(sales), err
	}
	res := Retry(ctx, fetch, o.policy)
	out.Attempts, out.Count = res.Attempts, res.Count

	if !res.OK {
		var open *poserr.CircuitOpenError
		if errors.As(res.Err, &open) {
			o.release(ctx, key, log)
			out.Status, out.SkipReason = model.SyncSkipped, model.SkipCircuitOpen
			out.RetryAfter = open.RetryAfter(o.now())
			log.Info("sync skipped: rotation circuit open")
			return out, o.finish(ctx, run, out)
		}
		out.Status, out.Error = model.SyncError, res.Err.Error()
		if poserr.CountsAsBreakerFailure(res.Err) {
			if _, err := o.breaker.RecordFailure(ctx, key); err != nil {
				log.WithError(err).Warn("record breaker failure")
			}
		} else {
			o.release(ctx, key, log)
		}
		kind := poserr.KindOf(res.Err)
		log.WithFields(logrus.Fields{"attempts": res.Attempts, "kind": kind}).WithError(res.Err).Warn("sync failed")
		ev := alert.Alert(alert.TypeSyncFailed, alert.SeverityWarning, t.Provider, t.LocationID, res.Err.Error())
		ev.TenantID = t.TenantID
		ev.Fields = map[string]any{"run_id": run.RunID, "date": out.Date, "kind": string(kind), "attempts": res.Attempts}
		alert.Send(ctx, o.events, o.log, ev)
		return out, o.finish(ctx, run, out)
	}

	rec := Aggregate(t.TenantID, t.LocationID, t.Provider, from, sales)
	rec.UpdatedAt = o.now().UTC()
	if err := o.store.Upsert(ctx, rec); err != nil {
		o.release(ctx, key, log)
		return out, o.finishInfra(ctx, run, fmt.Errorf("upsert consumption: %w", err))
	}
	if _, err := o.breaker.RecordSuccess(ctx, key); err != nil {
		log.WithError(err).Warn("record breaker success")
	}
	out.Status, out.Record = model.SyncOK, &rec
	log.WithFields(logrus.Fields{"orders": rec.Orders, "total": rec.Total.String(), "attempts": res.Attempts}).Info("sync complete")
	return out, o.finish(ctx, run, out)
}

// eligibility returns a skip reason (empty when the target may sync) and
// how long to wait before trying again.
func (o *Orchestrator) eligibility(ctx context.Context, t interceptor.Target) (string, time.Duration, error) {
	cred, err := o.creds.Get(ctx, t.LocationID, t.Provider)
	if errors.Is(err, repository.ErrNotFound) {
		return model.SkipNoCredentials, 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	if cred.Status == model.CredentialInvalid {
		return model.SkipInvalidCredentials, 0, nil
	}
	d, err := o.breaker.Check(ctx, breaker.Location(t.Provider, t.LocationID))
	if err != nil {
		return "", 0, err
	}
	if !d.Allowed {
		var wait time.Duration
		if d.ResumeAt != nil {
			wait = d.ResumeAt.Sub(o.now())
		}
		if wait < 0 {
			wait = 0
		}
		return model.SkipBackoff, wait, nil
	}
	return "", 0, nil
}

func (o *Orchestrator) release(ctx context.Context, key breaker.Key, log *logrus.Entry) {
	if _, err := o.breaker.Release(ctx, key); err != nil {
		log.WithError(err).Warn("release breaker trial")
	}
}

func (o *Orchestrator) finish(ctx context.Context, run *model.SyncRun, out Outcome) error {
	run.Status = out.Status
	run.SkipReason = out.SkipReason
	run.ItemCount = out.Count
	run.Attempts = out.Attempts
	run.Error = out.Error
	if err := o.runs.Finish(context.WithoutCancel(ctx), run); err != nil {
		return fmt.Errorf("finish sync run: %w", err)
	}
	return nil
}

func (o *Orchestrator) finishInfra(ctx context.Context, run *model.SyncRun, cause error) error {
	run.Status = model.SyncError
	run.Error = cause.Error()
	if err := o.runs.Finish(context.WithoutCancel(ctx), run); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
