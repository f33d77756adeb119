// Package risk scores project snapshots against configurable thresholds.
// Evaluate is a pure function: no I/O, no clock, no mutation of its input.
package risk

import (
	"fmt"
	"math"
	"time"

	"civicwatch/internal/domain"
)

// Thresholds are the tunables of the rule-based classifier. They are loaded
// once from config at startup; defaults live in config.Default, not here.
type Thresholds struct {
	BudgetOverrunPct float64 `yaml:"budget_overrun_percent"`
	CompletionLagPct float64 `yaml:"completion_lag_percent"`
	DelayDays        int     `yaml:"delay_days"`
	BudgetSpikePct   float64 `yaml:"budget_spike_percent"`
}

// Severity is the four-tier label derived from the factor count.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Verdict is the result of evaluating one project snapshot.
type Verdict struct {
	IsRisky   bool                `json:"is_risky"`
	RiskLevel int                 `json:"risk_level"`
	Factors   []domain.FactorCode `json:"factors,omitempty"`
}

// Severity maps the factor count to an alert-priority tier.
func (v Verdict) Severity() Severity {
	switch {
	case v.RiskLevel == 0:
		return SeverityLow
	case v.RiskLevel <= 2:
		return SeverityMedium
	case v.RiskLevel == 3:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Evaluate runs the three computed checks in fixed order (overrun, delay,
// spike), then appends any externally set factors already present on the
// snapshot. Each check is independent; none short-circuits the others.
//
// A malformed snapshot returns a zero Verdict and an error so the caller can
// skip the project for this run instead of aborting the whole scan.
func Evaluate(p domain.Project, th Thresholds, now time.Time) (Verdict, error) {
	if err := validateSnapshot(p); err != nil {
		return Verdict{}, err
	}

	var factors []domain.FactorCode

	// Budget overrun. A zero total budget skips the check entirely: there is
	// no meaningful spend ratio and no division by zero.
	if p.TotalBudget > 0 {
		spendPct := p.AmountSpent / p.TotalBudget * 100
		if spendPct > th.BudgetOverrunPct && float64(p.CompletionPct) < th.CompletionLagPct {
			factors = append(factors, domain.FactorBudgetOverrun)
		}
	}

	// Timeline delay. Only present-moment overdue-ness counts: a completed
	// project, or one with an actual end date recorded, never triggers no
	// matter how late it finished.
	if p.Status != domain.StatusCompleted && p.ActualEnd == nil && now.After(p.ExpectedEnd) {
		overdue := int(math.Ceil(now.Sub(p.ExpectedEnd).Hours() / 24))
		if overdue > th.DelayDays {
			factors = append(factors, domain.FactorTimelineDelay)
		}
	}

	// Budget spike against the originally approved amount. An empty history
	// (or an original of zero) never flags.
	if len(p.BudgetHistory) > 0 {
		original := p.BudgetHistory[0].Amount
		if original > 0 {
			increasePct := (p.TotalBudget - original) / original * 100
			if increasePct > th.BudgetSpikePct {
				factors = append(factors, domain.FactorBudgetSpike)
			}
		}
	}

	// Externally produced factors (GPS fraud, public concern) are owned by
	// other parts of the portal. The full-replace write on scan would drop
	// them, so they are carried through here, after the computed ones.
	for _, f := range p.RiskFactors {
		if f.External() {
			factors = append(factors, f)
		}
	}

	return Verdict{
		IsRisky:   len(factors) > 0,
		RiskLevel: len(factors),
		Factors:   factors,
	}, nil
}

func validateSnapshot(p domain.Project) error {
	if p.TotalBudget < 0 {
		return fmt.Errorf("project %s: negative total budget %.2f", p.ID, p.TotalBudget)
	}
	if p.AmountSpent < 0 {
		return fmt.Errorf("project %s: negative amount spent %.2f", p.ID, p.AmountSpent)
	}
	if p.CompletionPct < 0 || p.CompletionPct > 100 {
		return fmt.Errorf("project %s: completion %d%% outside [0,100]", p.ID, p.CompletionPct)
	}
	if p.ExpectedEnd.IsZero() {
		return fmt.Errorf("project %s: expected end date not set", p.ID)
	}
	return nil
}
