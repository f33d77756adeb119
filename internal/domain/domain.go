package domain

import "time"

// ProjectStatus is the lifecycle state of a public-works project.
type ProjectStatus string

const (
	StatusOnTime    ProjectStatus = "on_time"
	StatusDelayed   ProjectStatus = "delayed"
	StatusCritical  ProjectStatus = "critical"
	StatusCompleted ProjectStatus = "completed"
)

// Valid reports whether s is one of the known statuses.
func (s ProjectStatus) Valid() bool {
	switch s {
	case StatusOnTime, StatusDelayed, StatusCritical, StatusCompleted:
		return true
	}
	return false
}

// FactorCode identifies one named risk condition. The set is closed:
// the first three are computed by the risk evaluator, the last two are
// set by portal-side collaborators (photo verification, complaint intake)
// and carried through scans untouched.
type FactorCode string

const (
	FactorBudgetOverrun FactorCode = "BUDGET_OVERRUN"
	FactorTimelineDelay FactorCode = "TIMELINE_DELAY"
	FactorBudgetSpike   FactorCode = "BUDGET_SPIKE"
	FactorGPSFraud      FactorCode = "GPS_FRAUD"
	FactorPublicConcern FactorCode = "PUBLIC_CONCERN"
)

// External reports whether the factor is produced outside the evaluator.
func (f FactorCode) External() bool {
	return f == FactorGPSFraud || f == FactorPublicConcern
}

// Description returns the plain-language wording used in alert messages.
func (f FactorCode) Description() string {
	switch f {
	case FactorBudgetOverrun:
		return "spending is near the total budget while completion lags behind"
	case FactorTimelineDelay:
		return "the project is overdue past its expected end date"
	case FactorBudgetSpike:
		return "the approved budget has grown sharply over the original amount"
	case FactorGPSFraud:
		return "site photos were taken far from the registered project location"
	case FactorPublicConcern:
		return "citizen complaints about the project have accumulated"
	}
	return string(f)
}

type Project struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	Location      string        `json:"location"`
	SiteLat       *float64      `json:"site_lat,omitempty"`
	SiteLng       *float64      `json:"site_lng,omitempty"`
	TotalBudget   float64       `json:"total_budget"`
	AmountSpent   float64       `json:"amount_spent"`
	CompletionPct int           `json:"completion_pct"`
	StartDate     time.Time     `json:"start_date"`
	ExpectedEnd   time.Time     `json:"expected_end_date"`
	ActualEnd     *time.Time    `json:"actual_end_date,omitempty"`
	Status        ProjectStatus `json:"status"`
	IsActive      bool          `json:"is_active"`
	Complaints    int           `json:"complaints"`
	RiskFlag      bool          `json:"risk_flag"`
	RiskFactors   []FactorCode  `json:"risk_factors,omitempty"`
	// BudgetHistory is append-only; entry 0 is the originally approved
	// budget. Populated by the repository on scan loads and history queries.
	BudgetHistory []BudgetRevision `json:"budget_history,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// BudgetRevision is one entry of a project's append-only budget history.
// Entry 0 is the originally approved budget; later entries are revisions.
type BudgetRevision struct {
	ProjectID  string    `json:"project_id"`
	Seq        int       `json:"seq"`
	Amount     float64   `json:"amount"`
	RecordedAt time.Time `json:"recorded_at"`
	Note       string    `json:"note,omitempty"`
}

// ScanRecord summarizes one completed risk scan, kept for observability.
type ScanRecord struct {
	ID           int64     `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Scanned      int       `json:"scanned"`
	Flagged      int       `json:"flagged"`
	NewlyFlagged int       `json:"newly_flagged"`
	Errors       int       `json:"errors"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}
