package notify_test

import (
	"strings"
	"testing"

	"civicwatch/internal/domain"
	"civicwatch/internal/notify"
	"civicwatch/internal/risk"
)

func sampleAlert() notify.Alert {
	return notify.Alert{
		Recipient:    "oversight@example.gov",
		ProjectID:    "p-123",
		ProjectTitle: "Ring road phase 2",
		Location:     "North district",
		Factors: []domain.FactorCode{
			domain.FactorBudgetOverrun,
			domain.FactorTimelineDelay,
			domain.FactorGPSFraud,
		},
		Severity: risk.SeverityHigh,
	}
}

func TestSubject(t *testing.T) {
	got := notify.Subject(sampleAlert())
	want := "[CivicWatch] high risk: Ring road phase 2"
	if got != want {
		t.Fatalf("subject %q, want %q", got, want)
	}
}

func TestComposeBodyListsFactorsInOrder(t *testing.T) {
	body := notify.ComposeBody(sampleAlert())

	for _, part := range []string{
		`Project "Ring road phase 2" (North district)`,
		"Severity: high (3 factor(s) triggered)",
		"Project id: p-123",
	} {
		if !strings.Contains(body, part) {
			t.Fatalf("body missing %q:\n%s", part, body)
		}
	}

	// factors keep evaluation order and carry their descriptions
	first := strings.Index(body, "1. BUDGET_OVERRUN")
	second := strings.Index(body, "2. TIMELINE_DELAY")
	third := strings.Index(body, "3. GPS_FRAUD")
	if first < 0 || second < first || third < second {
		t.Fatalf("factors out of order:\n%s", body)
	}
	if !strings.Contains(body, domain.FactorBudgetOverrun.Description()) {
		t.Fatalf("body missing factor description:\n%s", body)
	}
}
