package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/poscred/internal/alert"
	"github.com/iliyamo/poscred/internal/breaker"
	"github.com/iliyamo/poscred/internal/model"
	"github.com/iliyamo/poscred/internal/poserr"
	"github.com/iliyamo/poscred/internal/repository"
	"github.com/iliyamo/poscred/internal/rotation"
)

// Job statuses reported in summaries.
const (
	JobOK      = "ok"
	JobSkipped = "skipped"
	JobHalted  = "halted"
)

// Leaser claims batches of credentials due for rotation.
type Leaser interface {
	LeaseCandidates(ctx context.Context, opts repository.LeaseOptions) ([]model.Credential, error)
}

type Rotator interface {
	Rotate(ctx context.Context, req rotation.Request) (rotation.Result, error)
}

// RotationJobConfig tunes RotationJob.  Zero Limit, Cooldown and Window
// take the leasing defaults.
type RotationJobConfig struct {
	Providers []string
	Limit     int
	Cooldown  time.Duration
	Window    time.Duration
}

// ProviderRotation is the outcome of one provider's batch.
type ProviderRotation struct {
	Provider string            `json:"provider"`
	Status   string            `json:"status"`
	Reason   string            `json:"reason,omitempty"`
	TestMode bool              `json:"test_mode,omitempty"`
	ResumeAt *time.Time        `json:"resume_at,omitempty"`
	Leased   int               `json:"leased"`
	Rotated  int               `json:"rotated"`
	Noop     int               `json:"noop"`
	Failed   int               `json:"failed"`
	Skipped  int               `json:"skipped"`
	Results  []rotation.Result `json:"results"`
}

// RotationSummary is the machine readable result of RotationJob.Run.
type RotationSummary struct {
	Status    string             `json:"status"`
	Leased    int                `json:"leased"`
	Rotated   int                `json:"rotated"`
	Noop      int                `json:"noop"`
	Failed    int                `json:"failed"`
	Skipped   int                `json:"skipped"`
	Providers []ProviderRotation `json:"providers"`
}

func (s *RotationSummary) add(p ProviderRotation) {
	s.Leased += p.Leased
	s.Rotated += p.Rotated
	s.Noop += p.Noop
	s.Failed += p.Failed
	s.Skipped += p.Skipped
	s.Providers = append(s.Providers, p)
	switch {
	case p.Status == JobHalted:
		s.Status = JobHalted
	case p.Status == JobSkipped && s.Status == "":
		s.Status = JobSkipped
	case p.Status == JobOK && s.Status != JobHalted:
		s.Status = JobOK
	}
}

// RotationJob rotates credentials that are about to expire.
type RotationJob struct {
	base
	leaser  Leaser
	rotator Rotator
	breaker breaker.Gate
	cfg     RotationJobConfig
}

// NewRotationJob returns a job that leases candidates through leaser and
// rotates them with rotator, one batch per provider in cfg, gated by the
// provider-wide breaker.
func NewRotationJob(leaser Leaser, rotator Rotator, br breaker.Gate, cfg RotationJobConfig, opts ...Option) *RotationJob {
	return &RotationJob{base: newBase(opts), leaser: leaser, rotator: rotator, breaker: br, cfg: cfg}
}

// Run processes every configured provider in turn.  Per candidate failures
// are counted, not returned; the error is reserved for store faults.
func (j *RotationJob) Run(ctx context.Context) (RotationSummary, error) {
	var sum RotationSummary
	for _, p := range j.cfg.Providers {
		pr, err := j.runProvider(ctx, p)
		sum.add(pr)
		if err != nil {
			return sum, err
		}
	}
	if sum.Status == "" {
		sum.Status = JobOK
	}
	return sum, nil
}

func (j *RotationJob) runProvider(ctx context.Context, providerName string) (ProviderRotation, error) {
	pr := ProviderRotation{Provider: providerName, Status: JobOK, Results: []rotation.Result{}}
	log := j.log.WithField("provider", providerName)
	key := breaker.Global(providerName)

	d, err := j.breaker.Check(ctx, key)
	if err != nil {
		return pr, fmt.Errorf("rotation job %s: %w", providerName, err)
	}
	if !d.Allowed {
		pr.Status, pr.Reason, pr.ResumeAt = JobSkipped, model.SkipCircuitOpen, d.ResumeAt
		log.Info("rotation batch skipped: circuit open")
		return pr, nil
	}
	pr.TestMode = d.TestMode
	limit := j.cfg.Limit
	if d.TestMode {
		limit = 1
	}

	creds, err := j.leaser.LeaseCandidates(ctx, repository.LeaseOptions{
		Provider: providerName,
		Limit:    limit,
		Cooldown: j.cfg.Cooldown,
		Window:   j.cfg.Window,
	})
	if err != nil {
		if d.TestMode {
			j.release(ctx, key, log)
		}
		return pr, fmt.Errorf("rotation job %s: lease: %w", providerName, err)
	}
	pr.Leased = len(creds)
	if len(creds) == 0 && d.TestMode {
		j.release(ctx, key, log)
	}
	log.WithFields(logrus.Fields{"leased": len(creds), "test_mode": d.TestMode}).Info("rotation batch leased")

	for i, c := range creds {
		if err := ctx.Err(); err != nil {
			pr.Skipped += len(creds) - i
			pr.Status, pr.Reason = JobHalted, "cancelled"
			if d.TestMode {
				j.release(ctx, key, log)
			}
			break
		}
		res, err := j.rotator.Rotate(ctx, rotation.Request{
			RotationID: rotation.VersionID(c.LocationID, providerName, c.SecretRef),
			LocationID: c.LocationID,
			Provider:   providerName,
			SecretRef:  c.SecretRef,
		})
		pr.Results = append(pr.Results, res)

		var rerr *rotation.Error
		switch {
		case err == nil:
			if res.Result == model.RotationIdempotentNoop {
				pr.Noop++
			} else {
				pr.Rotated++
			}
			if _, err := j.breaker.RecordSuccess(ctx, key); err != nil {
				log.WithError(err).Warn("record breaker success")
			}
			continue
		case errors.As(err, &rerr):
			pr.Failed++
		default:
			if d.TestMode {
				j.release(ctx, key, log)
			}
			return pr, fmt.Errorf("rotation job %s: %w", providerName, err)
		}

		if !poserr.CountsAsBreakerFailure(err) {
			j.release(ctx, key, log)
			continue
		}
		st, berr := j.breaker.RecordFailure(ctx, key)
		if berr != nil {
			log.WithError(berr).Warn("record breaker failure")
			continue
		}
		if st.State == model.BreakerOpen {
			remaining := len(creds) - i - 1
			pr.Skipped += remaining
			pr.Status, pr.Reason, pr.ResumeAt = JobHalted, model.SkipCircuitOpen, st.ResumeAt
			log.WithField("remaining", remaining).Warn("circuit opened mid-batch; halting")
			ev := alert.Alert(alert.TypeRotationJobHalted, alert.SeverityCritical, providerName, "",
				fmt.Sprintf("rotation batch halted after %d failures, %d candidates left", st.Failures, remaining))
			ev.Fields = map[string]any{"remaining": remaining, "failures": st.Failures}
			alert.Send(ctx, j.events, j.log, ev)
			break
		}
	}
	return pr, nil
}

// release hands a half-open trial back.  It runs detached from ctx so a
// cancelled batch still returns the trial it holds.
func (j *RotationJob) release(ctx context.Context, key breaker.Key, log *logrus.Entry) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := j.breaker.Release(rctx, key); err != nil {
		log.WithError(err).Warn("release breaker trial")
	}
}
