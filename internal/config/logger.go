package config

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns the JSON logger shared by the whole process.  LOG_LEVEL
// overrides the level; dev defaults to debug, everything else to info.
func NewLogger(env string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(os.Stdout)
	level := logrus.InfoLevel
	if env == "dev" {
		level = logrus.DebugLevel
	}
	if lv, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		level = lv
	}
	l.SetLevel(level)
	return l
}
