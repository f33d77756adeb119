package risk_test

import (
	"reflect"
	"testing"
	"time"

	"civicwatch/internal/domain"
	"civicwatch/internal/risk"
)

var now = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func defaultThresholds() risk.Thresholds {
	return risk.Thresholds{
		BudgetOverrunPct: 90,
		CompletionLagPct: 50,
		DelayDays:        30,
		BudgetSpikePct:   20,
	}
}

// healthy returns a snapshot that triggers nothing.
func healthy() domain.Project {
	return domain.Project{
		ID:            "p-1",
		Title:         "Community health centre",
		TotalBudget:   1_000_000,
		AmountSpent:   400_000,
		CompletionPct: 50,
		ExpectedEnd:   now.AddDate(0, 6, 0),
		Status:        domain.StatusOnTime,
		IsActive:      true,
		BudgetHistory: []domain.BudgetRevision{{ProjectID: "p-1", Seq: 0, Amount: 1_000_000, RecordedAt: now.AddDate(-1, 0, 0)}},
	}
}

func mustEvaluate(t *testing.T, p domain.Project) risk.Verdict {
	t.Helper()
	v, err := risk.Evaluate(p, defaultThresholds(), now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	return v
}

func TestHealthyProjectNotRisky(t *testing.T) {
	v := mustEvaluate(t, healthy())
	if v.IsRisky || v.RiskLevel != 0 || len(v.Factors) != 0 {
		t.Fatalf("expected clean verdict, got %+v", v)
	}
	if v.Severity() != risk.SeverityLow {
		t.Fatalf("expected low severity, got %s", v.Severity())
	}
}

func TestBudgetOverrun(t *testing.T) {
	p := healthy()
	p.AmountSpent = 950_000 // 95% spent
	p.CompletionPct = 40    // under the 50% lag ceiling
	v := mustEvaluate(t, p)
	if !v.IsRisky || v.RiskLevel < 1 {
		t.Fatalf("expected risky verdict, got %+v", v)
	}
	if v.Factors[0] != domain.FactorBudgetOverrun {
		t.Fatalf("expected BUDGET_OVERRUN first, got %v", v.Factors)
	}
}

func TestOverrunRequiresCompletionLag(t *testing.T) {
	p := healthy()
	p.AmountSpent = 950_000
	p.CompletionPct = 60 // past the lag ceiling: heavy spend is plausible
	v := mustEvaluate(t, p)
	if containsFactor(v.Factors, domain.FactorBudgetOverrun) {
		t.Fatalf("unexpected BUDGET_OVERRUN: %v", v.Factors)
	}
}

func TestZeroBudgetNeverOverruns(t *testing.T) {
	p := healthy()
	p.TotalBudget = 0
	p.AmountSpent = 500
	p.CompletionPct = 0
	p.BudgetHistory = nil
	v := mustEvaluate(t, p)
	if containsFactor(v.Factors, domain.FactorBudgetOverrun) {
		t.Fatalf("zero budget must skip the overrun check, got %v", v.Factors)
	}
}

func TestTimelineDelay(t *testing.T) {
	p := healthy()
	p.ExpectedEnd = now.AddDate(0, 0, -45)
	v := mustEvaluate(t, p)
	if !containsFactor(v.Factors, domain.FactorTimelineDelay) {
		t.Fatalf("expected TIMELINE_DELAY at 45 days overdue, got %v", v.Factors)
	}
}

func TestTimelineDelayBoundary(t *testing.T) {
	p := healthy()
	// exactly at the threshold: 30 days overdue is not > 30
	p.ExpectedEnd = now.AddDate(0, 0, -30)
	v := mustEvaluate(t, p)
	if containsFactor(v.Factors, domain.FactorTimelineDelay) {
		t.Fatalf("30 days overdue must not trigger with delay_days=30, got %v", v.Factors)
	}
	p.ExpectedEnd = now.AddDate(0, 0, -31)
	v = mustEvaluate(t, p)
	if !containsFactor(v.Factors, domain.FactorTimelineDelay) {
		t.Fatalf("31 days overdue must trigger, got %v", v.Factors)
	}
}

func TestCompletedProjectNeverDelayed(t *testing.T) {
	p := healthy()
	p.ExpectedEnd = now.AddDate(0, 0, -200)
	p.Status = domain.StatusCompleted
	v := mustEvaluate(t, p)
	if containsFactor(v.Factors, domain.FactorTimelineDelay) {
		t.Fatalf("completed project must not trigger delay, got %v", v.Factors)
	}

	// actual end recorded but status not yet flipped: still no delay
	p = healthy()
	p.ExpectedEnd = now.AddDate(0, 0, -200)
	finished := now.AddDate(0, 0, -10)
	p.ActualEnd = &finished
	v = mustEvaluate(t, p)
	if containsFactor(v.Factors, domain.FactorTimelineDelay) {
		t.Fatalf("project with actual end must not trigger delay, got %v", v.Factors)
	}
}

func TestBudgetSpike(t *testing.T) {
	p := healthy()
	p.TotalBudget = 1_300_000 // +30% over original 1M
	v := mustEvaluate(t, p)
	if !containsFactor(v.Factors, domain.FactorBudgetSpike) {
		t.Fatalf("expected BUDGET_SPIKE at 30%% increase, got %v", v.Factors)
	}
}

func TestBudgetSpikeBoundary(t *testing.T) {
	p := healthy()
	p.TotalBudget = 1_200_000 // exactly +20% is not > 20
	v := mustEvaluate(t, p)
	if containsFactor(v.Factors, domain.FactorBudgetSpike) {
		t.Fatalf("20%% increase must not trigger with spike=20, got %v", v.Factors)
	}
}

func TestEmptyHistoryNeverSpikes(t *testing.T) {
	p := healthy()
	p.TotalBudget = 10_000_000
	p.BudgetHistory = nil
	v := mustEvaluate(t, p)
	if containsFactor(v.Factors, domain.FactorBudgetSpike) {
		t.Fatalf("empty history must skip the spike check, got %v", v.Factors)
	}
}

func TestAllThreeFactorsOrdered(t *testing.T) {
	p := healthy()
	p.TotalBudget = 1_300_000
	p.AmountSpent = 1_250_000 // ~96%
	p.CompletionPct = 40
	p.ExpectedEnd = now.AddDate(0, 0, -45)
	v := mustEvaluate(t, p)
	want := []domain.FactorCode{domain.FactorBudgetOverrun, domain.FactorTimelineDelay, domain.FactorBudgetSpike}
	if !reflect.DeepEqual(v.Factors, want) {
		t.Fatalf("factor order mismatch: got %v want %v", v.Factors, want)
	}
	if v.RiskLevel != 3 || v.Severity() != risk.SeverityHigh {
		t.Fatalf("expected level 3 / high, got %d / %s", v.RiskLevel, v.Severity())
	}
}

func TestExternalFactorsPreserved(t *testing.T) {
	p := healthy()
	p.ExpectedEnd = now.AddDate(0, 0, -45)
	p.RiskFactors = []domain.FactorCode{
		domain.FactorBudgetOverrun, // stale computed factor from a previous scan: dropped
		domain.FactorGPSFraud,
		domain.FactorPublicConcern,
	}
	v := mustEvaluate(t, p)
	want := []domain.FactorCode{domain.FactorTimelineDelay, domain.FactorGPSFraud, domain.FactorPublicConcern}
	if !reflect.DeepEqual(v.Factors, want) {
		t.Fatalf("got %v want %v", v.Factors, want)
	}
	if v.RiskLevel != 3 {
		t.Fatalf("external factors must count toward the level, got %d", v.RiskLevel)
	}
}

func TestSeverityCriticalAtFourFactors(t *testing.T) {
	p := healthy()
	p.TotalBudget = 1_300_000
	p.AmountSpent = 1_250_000
	p.CompletionPct = 40
	p.ExpectedEnd = now.AddDate(0, 0, -45)
	p.RiskFactors = []domain.FactorCode{domain.FactorPublicConcern}
	v := mustEvaluate(t, p)
	if v.RiskLevel != 4 || v.Severity() != risk.SeverityCritical {
		t.Fatalf("expected level 4 / critical, got %d / %s", v.RiskLevel, v.Severity())
	}
}

func TestDeterminism(t *testing.T) {
	p := healthy()
	p.AmountSpent = 950_000
	p.CompletionPct = 40
	p.ExpectedEnd = now.AddDate(0, 0, -45)
	first := mustEvaluate(t, p)
	second := mustEvaluate(t, p)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("verdicts differ for identical inputs: %+v vs %+v", first, second)
	}
}

func TestMalformedSnapshotFailsClosed(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.Project)
	}{
		{"negative budget", func(p *domain.Project) { p.TotalBudget = -1 }},
		{"negative spend", func(p *domain.Project) { p.AmountSpent = -0.01 }},
		{"completion over 100", func(p *domain.Project) { p.CompletionPct = 150 }},
		{"completion negative", func(p *domain.Project) { p.CompletionPct = -5 }},
		{"missing expected end", func(p *domain.Project) { p.ExpectedEnd = time.Time{} }},
	}
	for _, tc := range cases {
		p := healthy()
		tc.mutate(&p)
		v, err := risk.Evaluate(p, defaultThresholds(), now)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
		if v.IsRisky || v.RiskLevel != 0 || len(v.Factors) != 0 {
			t.Errorf("%s: expected zero verdict, got %+v", tc.name, v)
		}
	}
}

func containsFactor(factors []domain.FactorCode, f domain.FactorCode) bool {
	for _, got := range factors {
		if got == f {
			return true
		}
	}
	return false
}
