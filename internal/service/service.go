// Package service holds the scheduled jobs and the credential verifier that
// the HTTP handlers and the CLI drive.
package service

import (
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/poscred/internal/alert"
)

type base struct {
	events alert.Emitter
	log    *logrus.Logger
}

// Option configures any service in this package.
type Option func(*base)

func WithEmitter(e alert.Emitter) Option { return func(b *base) { b.events = e } }
func WithLogger(l *logrus.Logger) Option { return func(b *base) { b.log = l } }

func newBase(opts []Option) base {
	b := base{events: alert.Nop, log: logrus.StandardLogger()}
	for _, o := range opts {
		o(&b)
	}
	return b
}
