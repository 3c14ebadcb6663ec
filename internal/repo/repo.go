package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"assignline/internal/domain"
)

// Repo is the authoritative registry layer. Assignments are keyed by their
// private channel id as far as commands are concerned; the registry also
// resolves them by assignment id.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const assignmentCols = `id,owner_id,channel_id,status,reviewed,doable,deadline,last_reminder_at,created_at,updated_at`

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var reviewed int
	var doable sql.NullBool
	var deadline, lastReminder sql.NullString
	err := scan(&a.ID, &a.OwnerID, &a.ChannelID, &a.Status, &reviewed, &doable, &deadline, &lastReminder, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Reviewed = reviewed != 0
	if doable.Valid {
		v := doable.Bool
		a.Doable = &v
	}
	if deadline.Valid {
		a.Deadline = &deadline.String
	}
	if lastReminder.Valid {
		a.LastReminderAt = &lastReminder.String
	}
	return a, nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OwnerID, a.ChannelID, a.Status, boolInt(a.Reviewed), nullableBoolPtr(a.Doable),
		nullableStringPtr(a.Deadline), nullableStringPtr(a.LastReminderAt), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, reviewed=?, doable=?, deadline=?, last_reminder_at=?, updated_at=? WHERE id=?`,
		a.Status, boolInt(a.Reviewed), nullableBoolPtr(a.Doable), nullableStringPtr(a.Deadline),
		nullableStringPtr(a.LastReminderAt), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

func (r Repo) GetAssignmentByChannel(ctx context.Context, channelID string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE channel_id=?`, channelID)
	return scanAssignment(row.Scan)
}

// GetAssignmentByChannelTx re-reads inside a transaction so transition guards
// observe the state left by whichever command committed first.
func (r Repo) GetAssignmentByChannelTx(ctx context.Context, tx *sql.Tx, channelID string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE channel_id=?`, channelID)
	return scanAssignment(row.Scan)
}

func (r Repo) DeleteAssignment(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM assignments WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type AssignmentFilters struct {
	Status  domain.Status
	OwnerID string
	Limit   int
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + assignmentCols + ` FROM assignments ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListDueAssignments returns a snapshot of in-progress assignments that carry
// a deadline, for the sweeper to iterate independently of live mutations.
func (r Repo) ListDueAssignments(ctx context.Context) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+assignmentCols+` FROM assignments WHERE status=? AND deadline IS NOT NULL ORDER BY deadline ASC`,
		domain.StatusInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SetLastReminder writes the reminder watermark. The sweeper is the only
// caller and it never touches status. A vanished row is not an error.
func (r Repo) SetLastReminder(ctx context.Context, id, ts string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE assignments SET last_reminder_at=? WHERE id=?`, ts, id)
	return err
}

func (r Repo) AppendRevision(ctx context.Context, tx *sql.Tx, rev domain.Revision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO revisions(assignment_id,details,created_at) VALUES (?,?,?)`,
		rev.AssignmentID, rev.Details, rev.CreatedAt)
	return err
}

func (r Repo) ListRevisions(ctx context.Context, assignmentID string) ([]domain.Revision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT assignment_id,details,created_at FROM revisions WHERE assignment_id=? ORDER BY id ASC`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Revision
	for rows.Next() {
		var rev domain.Revision
		if err := rows.Scan(&rev.AssignmentID, &rev.Details, &rev.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rev)
	}
	return res, rows.Err()
}

func (r Repo) CountAssignmentsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM assignments GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status domain.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, assignmentID string) ([]domain.Event, error) {
	return r.EventsFrom(ctx, limit, 0, evtType, assignmentID)
}

func (r Repo) EventsFrom(ctx context.Context, limit int, cursor int64, evtType, assignmentID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if assignmentID != "" {
		clauses = append(clauses, "assignment_id=?")
		args = append(args, assignmentID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,assignment_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,assignment_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var assignmentID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &assignmentID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if assignmentID.Valid {
			e.AssignmentID = assignmentID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return boolInt(*v)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
