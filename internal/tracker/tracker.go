// Package tracker implements the portal-side mutations of project records:
// registration, spend and progress updates, budget revisions, complaint
// intake and site-photo verification. The last two are the producers of the
// externally-set risk factors the scan carries through.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"civicwatch/internal/config"
	"civicwatch/internal/domain"
	"civicwatch/internal/events"
	"civicwatch/internal/geo"
	"civicwatch/internal/repo"
)

type Tracker struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Tracker {
	return Tracker{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// ProjectCreateOptions are parameters for registering a project.
type ProjectCreateOptions struct {
	ID          string
	Title       string
	Description string
	Location    string
	SiteLat     *float64
	SiteLng     *float64
	TotalBudget float64
	StartDate   time.Time
	ExpectedEnd time.Time
	ActorID     string
}

// CreateProject registers a project and seeds its budget history with the
// originally approved amount.
func (t Tracker) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Title == "" {
		return domain.Project{}, errors.New("title is required")
	}
	if opts.Location == "" {
		return domain.Project{}, errors.New("location is required")
	}
	if opts.TotalBudget < 0 {
		return domain.Project{}, fmt.Errorf("total budget must not be negative, got %.2f", opts.TotalBudget)
	}
	if opts.ExpectedEnd.IsZero() {
		return domain.Project{}, errors.New("expected end date is required")
	}
	if !opts.StartDate.IsZero() && opts.ExpectedEnd.Before(opts.StartDate) {
		return domain.Project{}, errors.New("expected end date before start date")
	}
	if (opts.SiteLat == nil) != (opts.SiteLng == nil) {
		return domain.Project{}, errors.New("site coordinates need both lat and lng")
	}
	now := t.now().UTC()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	start := opts.StartDate
	if start.IsZero() {
		start = now
	}
	p := domain.Project{
		ID:          id,
		Title:       opts.Title,
		Description: opts.Description,
		Location:    opts.Location,
		SiteLat:     opts.SiteLat,
		SiteLng:     opts.SiteLng,
		TotalBudget: opts.TotalBudget,
		StartDate:   start,
		ExpectedEnd: opts.ExpectedEnd,
		Status:      domain.StatusOnTime,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := t.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := t.Repo.AppendBudgetRevision(ctx, tx, domain.BudgetRevision{
		ProjectID:  id,
		Amount:     opts.TotalBudget,
		RecordedAt: now,
		Note:       "original approved budget",
	}); err != nil {
		return domain.Project{}, fmt.Errorf("seed budget history: %w", err)
	}
	if err := t.Events.Append(ctx, tx, "project.created", id, opts.ActorID, events.EventPayload{
		"title":  p.Title,
		"budget": p.TotalBudget,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.BudgetHistory = []domain.BudgetRevision{{ProjectID: id, Seq: 0, Amount: opts.TotalBudget, RecordedAt: now, Note: "original approved budget"}}
	return p, nil
}

// ProgressUpdate carries spend/progress changes; nil fields stay untouched.
type ProgressUpdate struct {
	AmountSpent   *float64
	CompletionPct *int
	ActorID       string
}

func (t Tracker) RecordProgress(ctx context.Context, id string, upd ProgressUpdate) (domain.Project, error) {
	p, err := t.Repo.GetProject(ctx, id)
	if err != nil {
		return p, err
	}
	if p.Status == domain.StatusCompleted {
		return p, errors.New("project is completed; progress is frozen")
	}
	if upd.AmountSpent != nil {
		if *upd.AmountSpent < 0 {
			return p, fmt.Errorf("amount spent must not be negative, got %.2f", *upd.AmountSpent)
		}
		p.AmountSpent = *upd.AmountSpent
	}
	if upd.CompletionPct != nil {
		if *upd.CompletionPct < 0 || *upd.CompletionPct > 100 {
			return p, fmt.Errorf("completion %d%% outside [0,100]", *upd.CompletionPct)
		}
		p.CompletionPct = *upd.CompletionPct
	}
	p.UpdatedAt = t.now().UTC()
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := t.Repo.UpdateProject(ctx, tx, p); err != nil {
		return p, err
	}
	if err := t.Events.Append(ctx, tx, "project.updated", id, upd.ActorID, events.EventPayload{
		"amount_spent":   p.AmountSpent,
		"completion_pct": p.CompletionPct,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// ReviseBudget raises or lowers the approved total and appends the revision
// to the project's history. History entries are never rewritten; the spike
// check always compares against entry 0.
func (t Tracker) ReviseBudget(ctx context.Context, id string, amount float64, note, actorID string) (domain.Project, error) {
	if amount <= 0 {
		return domain.Project{}, fmt.Errorf("revised budget must be positive, got %.2f", amount)
	}
	p, err := t.Repo.GetProject(ctx, id)
	if err != nil {
		return p, err
	}
	if p.Status == domain.StatusCompleted {
		return p, errors.New("project is completed; budget is frozen")
	}
	previous := p.TotalBudget
	now := t.now().UTC()
	p.TotalBudget = amount
	p.UpdatedAt = now
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := t.Repo.UpdateProject(ctx, tx, p); err != nil {
		return p, err
	}
	if err := t.Repo.AppendBudgetRevision(ctx, tx, domain.BudgetRevision{
		ProjectID:  id,
		Amount:     amount,
		RecordedAt: now,
		Note:       note,
	}); err != nil {
		return p, err
	}
	if err := t.Events.Append(ctx, tx, "budget.revised", id, actorID, events.EventPayload{
		"from": previous,
		"to":   amount,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.BudgetHistory, err = t.Repo.ListBudgetRevisions(ctx, id)
	return p, err
}

// Complete marks the project finished. Completed projects leave scan scope:
// their risk state is frozen as of the last evaluation.
func (t Tracker) Complete(ctx context.Context, id, actorID string) (domain.Project, error) {
	p, err := t.Repo.GetProject(ctx, id)
	if err != nil {
		return p, err
	}
	if p.Status == domain.StatusCompleted {
		return p, errors.New("project already completed")
	}
	now := t.now().UTC()
	p.Status = domain.StatusCompleted
	p.ActualEnd = &now
	p.CompletionPct = 100
	p.UpdatedAt = now
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := t.Repo.UpdateProject(ctx, tx, p); err != nil {
		return p, err
	}
	if err := t.Events.Append(ctx, tx, "project.completed", id, actorID, events.EventPayload{}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// FileComplaint tallies a citizen complaint. Reaching the configured
// threshold sets the PUBLIC_CONCERN factor; the next scan folds it into the
// risk verdict.
func (t Tracker) FileComplaint(ctx context.Context, id, note, actorID string) (domain.Project, error) {
	if t.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	p, err := t.Repo.GetProject(ctx, id)
	if err != nil {
		return p, err
	}
	p.Complaints++
	p.UpdatedAt = t.now().UTC()
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := t.Repo.UpdateProject(ctx, tx, p); err != nil {
		return p, err
	}
	concern := p.Complaints >= t.Config.Risk.ComplaintThreshold
	if concern {
		if err := t.Repo.AddExternalFactor(ctx, tx, id, domain.FactorPublicConcern); err != nil {
			return p, err
		}
	}
	if err := t.Events.Append(ctx, tx, "complaint.filed", id, actorID, events.EventPayload{
		"complaints": p.Complaints,
		"concern":    concern,
		"note":       note,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	if concern {
		return t.Repo.GetProject(ctx, id)
	}
	return p, nil
}

// VerifyPhotoGPS checks a site-photo coordinate against the registered
// project location. Beyond the configured tolerance the GPS_FRAUD factor is
// set. Returns the measured distance in kilometres.
func (t Tracker) VerifyPhotoGPS(ctx context.Context, id string, photo geo.Point, actorID string) (float64, bool, error) {
	if t.Config == nil {
		return 0, false, errors.New("config not loaded")
	}
	p, err := t.Repo.GetProject(ctx, id)
	if err != nil {
		return 0, false, err
	}
	if p.SiteLat == nil || p.SiteLng == nil {
		return 0, false, fmt.Errorf("project %s has no registered site coordinates", id)
	}
	distance := geo.DistanceKm(geo.Point{Lat: *p.SiteLat, Lng: *p.SiteLng}, photo)
	suspicious := distance > t.Config.Risk.GPSToleranceKm

	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return distance, suspicious, err
	}
	defer tx.Rollback()
	if suspicious {
		if err := t.Repo.AddExternalFactor(ctx, tx, id, domain.FactorGPSFraud); err != nil {
			return distance, suspicious, err
		}
	}
	if err := t.Events.Append(ctx, tx, "photo.verified", id, actorID, events.EventPayload{
		"distance_km": distance,
		"suspicious":  suspicious,
	}); err != nil {
		return distance, suspicious, err
	}
	return distance, suspicious, tx.Commit()
}

// Deactivate soft-deletes a project, removing it from scan scope.
func (t Tracker) Deactivate(ctx context.Context, id, actorID string) error {
	p, err := t.Repo.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if !p.IsActive {
		return nil
	}
	p.IsActive = false
	p.UpdatedAt = t.now().UTC()
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := t.Repo.UpdateProject(ctx, tx, p); err != nil {
		return err
	}
	if err := t.Events.Append(ctx, tx, "project.updated", id, actorID, events.EventPayload{"deactivated": true}); err != nil {
		return err
	}
	return tx.Commit()
}
