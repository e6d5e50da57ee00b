package breaker

import (
	"math"
	"time"

	"github.com/iliyamo/poscred/internal/model"
)

// Policy holds the breaker tuning knobs.
type Policy struct {
	Threshold        int           // consecutive failures that open a closed breaker
	Cooldown         time.Duration // open duration before a trial is allowed
	TrialLimit       int           // attempts handed out while half-open
	SuccessesToClose int           // half-open successes needed to close
	Escalation       float64       // cooldown multiplier per consecutive re-open; <= 1 means none
	MaxCooldown      time.Duration // cap for escalated cooldowns; 0 means uncapped
	TrialTimeout     time.Duration // unreported half-open trials are reclaimed after this; 0 means Cooldown
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:        5,
		Cooldown:         15 * time.Minute,
		TrialLimit:       1,
		SuccessesToClose: 1,
		Escalation:       1,
	}
}

func (p Policy) normalized() Policy {
	if p.Threshold < 1 {
		p.Threshold = 1
	}
	if p.TrialLimit < 1 {
		p.TrialLimit = 1
	}
	if p.SuccessesToClose < 1 {
		p.SuccessesToClose = 1
	}
	if p.TrialTimeout <= 0 {
		p.TrialTimeout = p.Cooldown
	}
	return p
}

// cooldown returns the open duration after the given number of consecutive
// half-open failures.
func (p Policy) cooldown(reopens int) time.Duration {
	if p.Escalation <= 1 || reopens <= 0 {
		return p.Cooldown
	}
	d := float64(p.Cooldown) * math.Pow(p.Escalation, float64(reopens))
	if p.MaxCooldown > 0 && d > float64(p.MaxCooldown) {
		return p.MaxCooldown
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// settle moves an open breaker whose cooldown elapsed into half-open.  The
// stored state only changes here, so "logically half-open" and "stored
// half-open" never disagree once a mutation ran.  Trials whose holder never
// reported back within TrialTimeout are reclaimed, so a crashed or
// cancelled holder cannot keep the breaker half-open forever.
func (p Policy) settle(s *model.BreakerState, now time.Time) {
	if s.State == "" {
		s.State = model.BreakerClosed
	}
	s.Threshold = p.Threshold
	if s.State == model.BreakerOpen && (s.ResumeAt == nil || !now.Before(*s.ResumeAt)) {
		s.State = model.BreakerHalfOpen
		s.Trials = 0
		s.Successes = 0
		s.TrialStartedAt = nil
	}
	if s.State == model.BreakerHalfOpen && s.Trials > 0 {
		if s.TrialStartedAt == nil || !now.Before(s.TrialStartedAt.Add(p.TrialTimeout)) {
			s.Trials = 0
			s.TrialStartedAt = nil
		}
	}
}

func (p Policy) open(s *model.BreakerState, now time.Time) {
	resume := now.Add(p.cooldown(s.Reopens))
	opened := now
	s.State = model.BreakerOpen
	s.OpenedAt = &opened
	s.ResumeAt = &resume
	s.Trials = 0
	s.Successes = 0
	s.TrialStartedAt = nil
}

func (p Policy) check(s *model.BreakerState, now time.Time) Decision {
	p.settle(s, now)
	switch s.State {
	case model.BreakerOpen:
		return Decision{Allowed: false, State: s.State, ResumeAt: copyTime(s.ResumeAt)}
	case model.BreakerHalfOpen:
		if s.Trials >= p.TrialLimit {
			// the earliest moment an unreported trial is reclaimed
			var resume *time.Time
			if s.TrialStartedAt != nil {
				t := s.TrialStartedAt.Add(p.TrialTimeout)
				resume = &t
			}
			return Decision{Allowed: false, State: s.State, TestMode: true, ResumeAt: resume}
		}
		s.Trials++
		started := now
		s.TrialStartedAt = &started
		return Decision{Allowed: true, State: s.State, TestMode: true}
	}
	return Decision{Allowed: true, State: model.BreakerClosed}
}

func (p Policy) success(s *model.BreakerState, now time.Time) {
	p.settle(s, now)
	switch s.State {
	case model.BreakerClosed:
		s.Failures = 0
	case model.BreakerHalfOpen:
		s.Successes++
		returnTrial(s)
		if s.Successes >= p.SuccessesToClose {
			s.State = model.BreakerClosed
			s.Failures = 0
			s.Trials = 0
			s.Successes = 0
			s.Reopens = 0
			s.OpenedAt = nil
			s.ResumeAt = nil
			s.TrialStartedAt = nil
		}
	}
	// a success reported while still open belongs to an attempt that started
	// before the breaker opened and does not shorten the cooldown
}

func (p Policy) failure(s *model.BreakerState, now time.Time) {
	p.settle(s, now)
	s.Failures++
	switch s.State {
	case model.BreakerClosed:
		if s.Failures >= p.Threshold {
			s.Reopens = 0
			p.open(s, now)
		}
	case model.BreakerHalfOpen:
		s.Reopens++
		p.open(s, now)
	}
}

// release returns a half-open trial whose outcome says nothing about the
// provider's health.
func (p Policy) release(s *model.BreakerState, now time.Time) {
	p.settle(s, now)
	if s.State == model.BreakerHalfOpen {
		returnTrial(s)
	}
}

func returnTrial(s *model.BreakerState) {
	if s.Trials > 0 {
		s.Trials--
	}
	if s.Trials == 0 {
		s.TrialStartedAt = nil
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
