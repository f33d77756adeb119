// Package notify delivers risk alerts for newly-flagged projects.
//
// Delivery is best-effort by design: the scan swallows notifier errors so
// alerting can never block risk-state persistence. Failures are logged with
// project context and not retried within the same scan.
package notify

import (
	"context"
	"fmt"
	"strings"

	"civicwatch/internal/domain"
	"civicwatch/internal/risk"
)

// Alert carries everything needed to compose one risk notification.
type Alert struct {
	Recipient    string
	ProjectID    string
	ProjectTitle string
	Location     string
	Factors      []domain.FactorCode
	Severity     risk.Severity
}

// Notifier delivers a formatted alert for a newly-flagged project.
type Notifier interface {
	SendRiskAlert(ctx context.Context, a Alert) error
}

// Subject returns the mail subject line for the alert.
func Subject(a Alert) string {
	return fmt.Sprintf("[CivicWatch] %s risk: %s", a.Severity, a.ProjectTitle)
}

// ComposeBody renders the human-readable alert message, listing each
// triggered factor with its plain-language description in evaluation order.
func ComposeBody(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project %q (%s) has been flagged for risk review.\n\n", a.ProjectTitle, a.Location)
	fmt.Fprintf(&b, "Severity: %s (%d factor(s) triggered)\n\n", a.Severity, len(a.Factors))
	for i, f := range a.Factors {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, f, f.Description())
	}
	fmt.Fprintf(&b, "\nProject id: %s\n", a.ProjectID)
	return b.String()
}
