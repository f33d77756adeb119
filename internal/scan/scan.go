// Package scan runs the periodic risk evaluation over in-scope projects and
// owns their derived risk state (flag, factors, status).
package scan

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"civicwatch/internal/config"
	"civicwatch/internal/domain"
	"civicwatch/internal/events"
	"civicwatch/internal/notify"
	"civicwatch/internal/repo"
	"civicwatch/internal/risk"
)

// ErrScanInProgress is returned when Run is called while another scan on the
// same Scanner has not finished. The conflicting call is a safe no-op.
var ErrScanInProgress = errors.New("scan already in progress")

// Summary reports one scan run. Errors counts projects that could not be
// evaluated or persisted; those projects keep their previous risk state.
type Summary struct {
	Scanned      int `json:"scanned"`
	Flagged      int `json:"flagged"`
	NewlyFlagged int `json:"newly_flagged"`
	Errors       int `json:"errors"`
}

type Scanner struct {
	Repo           repo.Repo
	Events         events.Writer
	Notifier       notify.Notifier
	Thresholds     risk.Thresholds
	Recipient      string
	ProjectTimeout time.Duration
	Log            zerolog.Logger
	Now            func() time.Time

	running atomic.Bool
}

func New(db *sql.DB, cfg *config.Config, notifier notify.Notifier, log zerolog.Logger) *Scanner {
	return &Scanner{
		Repo:           repo.Repo{DB: db},
		Events:         events.Writer{DB: db},
		Notifier:       notifier,
		Thresholds:     cfg.Risk.Thresholds,
		Recipient:      cfg.Alerts.Recipient,
		ProjectTimeout: cfg.ProjectTimeout(),
		Log:            log,
		Now:            time.Now,
	}
}

func (s *Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run performs one complete pass over all active, non-completed projects.
// Each project is an independent unit of work: evaluation or persistence
// failures are logged and counted, never abort the batch. A notification is
// sent at most once per newly-triggered flag, and only after that project's
// risk state has been written.
func (s *Scanner) Run(ctx context.Context) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, ErrScanInProgress
	}
	defer s.running.Store(false)

	started := s.now()
	projects, err := s.Repo.ListInScan(ctx)
	if err != nil {
		return Summary{}, err
	}

	var summary Summary
	for _, p := range projects {
		summary.Scanned++
		s.scanProject(ctx, p, &summary)
	}

	finished := s.now()
	if err := s.Repo.InsertScan(ctx, domain.ScanRecord{
		StartedAt:    started,
		FinishedAt:   finished,
		Scanned:      summary.Scanned,
		Flagged:      summary.Flagged,
		NewlyFlagged: summary.NewlyFlagged,
		Errors:       summary.Errors,
	}); err != nil {
		s.Log.Warn().Err(err).Msg("scan: record history failed")
	}
	if err := s.Events.AppendDB(ctx, "scan.completed", "", "scanner", events.EventPayload{
		"scanned":       summary.Scanned,
		"flagged":       summary.Flagged,
		"newly_flagged": summary.NewlyFlagged,
		"errors":        summary.Errors,
	}); err != nil {
		s.Log.Warn().Err(err).Msg("scan: append event failed")
	}
	s.Log.Info().
		Int("scanned", summary.Scanned).
		Int("flagged", summary.Flagged).
		Int("newly_flagged", summary.NewlyFlagged).
		Int("errors", summary.Errors).
		Dur("took", finished.Sub(started)).
		Msg("scan completed")
	return summary, nil
}

func (s *Scanner) scanProject(ctx context.Context, p domain.Project, summary *Summary) {
	pctx := ctx
	cancel := func() {}
	if s.ProjectTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, s.ProjectTimeout)
	}
	defer cancel()

	previousFlag := p.RiskFlag
	now := s.now()

	// Malformed snapshots fail closed: the project keeps its previous risk
	// state for this run and the anomaly is logged, the batch moves on.
	verdict, err := risk.Evaluate(p, s.Thresholds, now)
	if err != nil {
		summary.Errors++
		s.Log.Warn().Err(err).Str("project_id", p.ID).Msg("scan: evaluation skipped")
		return
	}

	newStatus := escalate(p.Status, verdict.RiskLevel)
	if err := s.Repo.SaveRiskState(pctx, p.ID, verdict.IsRisky, verdict.Factors, newStatus, now); err != nil {
		summary.Errors++
		s.Log.Error().Err(err).Str("project_id", p.ID).Msg("scan: persist risk state failed")
		return
	}

	s.appendScanEvents(pctx, p, verdict, previousFlag, newStatus)

	if verdict.IsRisky {
		summary.Flagged++
	}
	if verdict.IsRisky && !previousFlag {
		summary.NewlyFlagged++
		s.sendAlert(pctx, p, verdict)
	}
}

func (s *Scanner) appendScanEvents(ctx context.Context, p domain.Project, v risk.Verdict, previousFlag bool, newStatus domain.ProjectStatus) {
	record := func(evtType string, payload events.EventPayload) {
		if err := s.Events.AppendDB(ctx, evtType, p.ID, "scanner", payload); err != nil {
			s.Log.Warn().Err(err).Str("project_id", p.ID).Str("event", evtType).Msg("scan: append event failed")
		}
	}
	if v.IsRisky && !previousFlag {
		record("risk.flagged", events.EventPayload{"factors": v.Factors, "risk_level": v.RiskLevel, "severity": v.Severity()})
	}
	if !v.IsRisky && previousFlag {
		record("risk.cleared", events.EventPayload{})
	}
	if newStatus != p.Status {
		record("project.escalated", events.EventPayload{"from": p.Status, "to": newStatus})
	}
}

// sendAlert notifies for a newly-triggered flag. Failures are logged with the
// project and factor context and swallowed: alerting must never block or roll
// back risk-state persistence.
func (s *Scanner) sendAlert(ctx context.Context, p domain.Project, v risk.Verdict) {
	if s.Notifier == nil {
		return
	}
	alert := notify.Alert{
		Recipient:    s.Recipient,
		ProjectID:    p.ID,
		ProjectTitle: p.Title,
		Location:     p.Location,
		Factors:      v.Factors,
		Severity:     v.Severity(),
	}
	if err := s.Notifier.SendRiskAlert(ctx, alert); err != nil {
		s.Log.Warn().Err(err).
			Str("project_id", p.ID).
			Strs("factors", factorStrings(v.Factors)).
			Msg("scan: risk alert failed (non-fatal)")
	}
}

// escalate applies the status transition for a verdict. It only ever moves
// upward: a project already delayed or critical with one or two factors keeps
// its status; de-escalation is a manual concern outside the scan.
func escalate(current domain.ProjectStatus, riskLevel int) domain.ProjectStatus {
	switch {
	case riskLevel >= 3:
		return domain.StatusCritical
	case riskLevel > 0 && current == domain.StatusOnTime:
		return domain.StatusDelayed
	}
	return current
}

func factorStrings(factors []domain.FactorCode) []string {
	out := make([]string, len(factors))
	for i, f := range factors {
		out[i] = string(f)
	}
	return out
}
