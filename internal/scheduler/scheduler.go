// Package scheduler drives the time-based engagement transitions.
//
// A cron Scheduler fires sweeps on a fixed cadence; each sweep asks the
// engagement queries who is due and applies the matching trigger to every
// user through a bounded worker pool.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler. A job still running when
// its next tick arrives is skipped for that tick.
func NewScheduler() *Scheduler {
	// Standard 5-field parser (min, hour, dom, month, dow) plus @every descriptors.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cronLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("Scheduler.cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("Scheduler.cron: "+msg, append(keysAndValues, "error", err)...)
}
