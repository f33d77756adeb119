package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"civicwatch/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,title,COALESCE(description,'') AS description,location,site_lat,site_lng,
total_budget,amount_spent,completion_pct,start_date,expected_end_date,actual_end_date,
status,is_active,complaints,risk_flag,risk_factors_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p           domain.Project
		siteLat     sql.NullFloat64
		siteLng     sql.NullFloat64
		startDate   string
		expectedEnd string
		actualEnd   sql.NullString
		status      string
		factorsJSON sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Location, &siteLat, &siteLng,
		&p.TotalBudget, &p.AmountSpent, &p.CompletionPct, &startDate, &expectedEnd, &actualEnd,
		&status, &p.IsActive, &p.Complaints, &p.RiskFlag, &factorsJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if siteLat.Valid {
		p.SiteLat = &siteLat.Float64
	}
	if siteLng.Valid {
		p.SiteLng = &siteLng.Float64
	}
	p.Status = domain.ProjectStatus(status)
	if p.StartDate, err = parseTime(startDate); err != nil {
		return p, fmt.Errorf("project %s start_date: %w", p.ID, err)
	}
	if p.ExpectedEnd, err = parseTime(expectedEnd); err != nil {
		return p, fmt.Errorf("project %s expected_end_date: %w", p.ID, err)
	}
	if actualEnd.Valid {
		t, err := parseTime(actualEnd.String)
		if err != nil {
			return p, fmt.Errorf("project %s actual_end_date: %w", p.ID, err)
		}
		p.ActualEnd = &t
	}
	if factorsJSON.Valid && factorsJSON.String != "" {
		if err := json.Unmarshal([]byte(factorsJSON.String), &p.RiskFactors); err != nil {
			return p, fmt.Errorf("project %s risk_factors_json: %w", p.ID, err)
		}
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, fmt.Errorf("project %s created_at: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, fmt.Errorf("project %s updated_at: %w", p.ID, err)
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	factors, err := marshalFactors(p.RiskFactors)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id,title,description,location,site_lat,site_lng,
total_budget,amount_spent,completion_pct,start_date,expected_end_date,actual_end_date,
status,is_active,complaints,risk_flag,risk_factors_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, nullable(p.Description), p.Location, p.SiteLat, p.SiteLng,
		p.TotalBudget, p.AmountSpent, p.CompletionPct, fmtTime(p.StartDate), fmtTime(p.ExpectedEnd), fmtTimePtr(p.ActualEnd),
		string(p.Status), p.IsActive, p.Complaints, p.RiskFlag, factors, fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if err != nil {
		return p, err
	}
	p.BudgetHistory, err = r.ListBudgetRevisions(ctx, id)
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return r.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
}

// ListInScan returns the projects a risk scan may touch: active and not
// completed, with budget history attached. Everything else is frozen.
func (r Repo) ListInScan(ctx context.Context) ([]domain.Project, error) {
	projects, err := r.queryProjects(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE is_active=1 AND status != ? ORDER BY created_at`,
		string(domain.StatusCompleted))
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return projects, nil
	}
	histories, err := r.budgetHistories(ctx)
	if err != nil {
		return nil, err
	}
	for i := range projects {
		projects[i].BudgetHistory = histories[projects[i].ID]
	}
	return projects, nil
}

func (r Repo) queryProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProject rewrites the mutable portal fields. Risk state is owned by
// the scan and written through SaveRiskState instead.
func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET title=?,description=?,location=?,site_lat=?,site_lng=?,
total_budget=?,amount_spent=?,completion_pct=?,expected_end_date=?,actual_end_date=?,
status=?,is_active=?,complaints=?,updated_at=? WHERE id=?`,
		p.Title, nullable(p.Description), p.Location, p.SiteLat, p.SiteLng,
		p.TotalBudget, p.AmountSpent, p.CompletionPct, fmtTime(p.ExpectedEnd), fmtTimePtr(p.ActualEnd),
		string(p.Status), p.IsActive, p.Complaints, fmtTime(p.UpdatedAt), p.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveRiskState overwrites the scan-owned derived fields. Factors are a full
// replace: whatever a previous scan wrote is dropped, not merged.
func (r Repo) SaveRiskState(ctx context.Context, id string, flag bool, factors []domain.FactorCode, status domain.ProjectStatus, updatedAt time.Time) error {
	factorsJSON, err := marshalFactors(factors)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET risk_flag=?,risk_factors_json=?,status=?,updated_at=? WHERE id=?`,
		flag, factorsJSON, string(status), fmtTime(updatedAt), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddExternalFactor records a collaborator-produced factor (GPS fraud,
// public concern) on the project. Add-if-absent: the scan preserves these
// codes across its full-replace writes.
func (r Repo) AddExternalFactor(ctx context.Context, tx *sql.Tx, id string, factor domain.FactorCode) error {
	var factorsJSON sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT risk_factors_json FROM projects WHERE id=?`, id).Scan(&factorsJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var factors []domain.FactorCode
	if factorsJSON.Valid && factorsJSON.String != "" {
		if err := json.Unmarshal([]byte(factorsJSON.String), &factors); err != nil {
			return fmt.Errorf("project %s risk_factors_json: %w", id, err)
		}
	}
	for _, f := range factors {
		if f == factor {
			return nil
		}
	}
	factors = append(factors, factor)
	updated, err := marshalFactors(factors)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE projects SET risk_factors_json=? WHERE id=?`, updated, id)
	return err
}

// AppendBudgetRevision adds the next entry of the project's budget history.
// Existing entries are never altered or removed.
func (r Repo) AppendBudgetRevision(ctx context.Context, tx *sql.Tx, rev domain.BudgetRevision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO budget_revisions(project_id,seq,amount,recorded_at,note)
SELECT ?, COALESCE(MAX(seq)+1,0), ?, ?, ? FROM budget_revisions WHERE project_id=?`,
		rev.ProjectID, rev.Amount, fmtTime(rev.RecordedAt), nullable(rev.Note), rev.ProjectID)
	return err
}

func (r Repo) ListBudgetRevisions(ctx context.Context, projectID string) ([]domain.BudgetRevision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,seq,amount,recorded_at,COALESCE(note,'') FROM budget_revisions WHERE project_id=? ORDER BY seq`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRevisions(rows)
}

func (r Repo) budgetHistories(ctx context.Context) (map[string][]domain.BudgetRevision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,seq,amount,recorded_at,COALESCE(note,'') FROM budget_revisions ORDER BY project_id,seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	revs, err := collectRevisions(rows)
	if err != nil {
		return nil, err
	}
	byProject := make(map[string][]domain.BudgetRevision)
	for _, rev := range revs {
		byProject[rev.ProjectID] = append(byProject[rev.ProjectID], rev)
	}
	return byProject, nil
}

func collectRevisions(rows *sql.Rows) ([]domain.BudgetRevision, error) {
	var res []domain.BudgetRevision
	for rows.Next() {
		var (
			rev        domain.BudgetRevision
			recordedAt string
		)
		if err := rows.Scan(&rev.ProjectID, &rev.Seq, &rev.Amount, &recordedAt, &rev.Note); err != nil {
			return nil, err
		}
		t, err := parseTime(recordedAt)
		if err != nil {
			return nil, fmt.Errorf("budget revision %s/%d: %w", rev.ProjectID, rev.Seq, err)
		}
		rev.RecordedAt = t
		res = append(res, rev)
	}
	return res, rows.Err()
}

func (r Repo) InsertScan(ctx context.Context, rec domain.ScanRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO scans(started_at,finished_at,scanned,flagged,newly_flagged,errors) VALUES (?,?,?,?,?,?)`,
		fmtTime(rec.StartedAt), fmtTime(rec.FinishedAt), rec.Scanned, rec.Flagged, rec.NewlyFlagged, rec.Errors)
	return err
}

func (r Repo) ListScans(ctx context.Context, limit int) ([]domain.ScanRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,started_at,finished_at,scanned,flagged,newly_flagged,errors FROM scans ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScanRecord
	for rows.Next() {
		var (
			rec        domain.ScanRecord
			startedAt  string
			finishedAt string
		)
		if err := rows.Scan(&rec.ID, &startedAt, &finishedAt, &rec.Scanned, &rec.Flagged, &rec.NewlyFlagged, &rec.Errors); err != nil {
			return nil, err
		}
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if rec.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// EventsTail returns the newest events, optionally filtered by project.
func (r Repo) EventsTail(ctx context.Context, limit int, projectID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(project_id,''),actor_id,payload_json FROM events`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalFactors(factors []domain.FactorCode) (*string, error) {
	if len(factors) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(factors)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
