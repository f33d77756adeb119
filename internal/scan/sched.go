package scan

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler drives periodic scans on a cron cadence. It is an explicitly
// owned handle, not package state, so instances in tests don't collide.
type Scheduler struct {
	cron    *cron.Cron
	scanner *Scanner
	spec    string
	log     zerolog.Logger

	// ctx spans the scheduler's lifetime; Stop cancels it so an in-flight
	// scan is interrupted instead of merely waited for.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler wires a scanner to a standard 5-field cron expression.
func NewScheduler(scanner *Scanner, spec string, log zerolog.Logger) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    cron.New(),
		scanner: scanner,
		spec:    spec,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Start activates the periodic invocation. It returns immediately; scans run
// on the cron goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Str("schedule", s.spec).Msg("scan scheduler started")
}

// Stop cancels any in-flight scan and waits for its tick to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scan scheduler stopped")
}

func (s *Scheduler) tick() {
	if _, err := s.scanner.Run(s.ctx); err != nil {
		switch {
		case errors.Is(err, ErrScanInProgress):
			s.log.Warn().Msg("scan tick skipped: previous scan still running")
		case errors.Is(err, context.Canceled):
			s.log.Info().Msg("scan interrupted by shutdown")
		default:
			s.log.Error().Err(err).Msg("scheduled scan failed")
		}
	}
}
