package repo

import (
	"context"
	"database/sql"

	"assignline/internal/domain"
)

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(id,assignment_id,author_id,rating,comment,created_at) VALUES (?,?,?,?,?,?)`,
		rv.ID, rv.AssignmentID, rv.AuthorID, rv.Rating, nullable(rv.Comment), rv.CreatedAt)
	return err
}

func (r Repo) ListReviews(ctx context.Context, assignmentID string) ([]domain.Review, error) {
	query := `SELECT id,assignment_id,author_id,rating,COALESCE(comment,''),created_at FROM reviews`
	var args []any
	if assignmentID != "" {
		query += ` WHERE assignment_id=?`
		args = append(args, assignmentID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		var rv domain.Review
		if err := rows.Scan(&rv.ID, &rv.AssignmentID, &rv.AuthorID, &rv.Rating, &rv.Comment, &rv.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

func (r Repo) InsertDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO disputes(id,assignment_id,raised_by,reason,status,created_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.AssignmentID, d.RaisedBy, d.Reason, d.Status, d.CreatedAt)
	return err
}

// ResolveOpenDisputes marks every open dispute on the assignment resolved.
// Returns the number of disputes closed; zero is not an error because the
// original flow allowed resolving ad hoc complaints with no recorded dispute.
func (r Repo) ResolveOpenDisputes(ctx context.Context, tx *sql.Tx, assignmentID, resolution, ts string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE disputes SET status='resolved', resolution=?, resolved_at=? WHERE assignment_id=? AND status='open'`,
		resolution, ts, assignmentID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r Repo) ListDisputes(ctx context.Context, assignmentID string) ([]domain.Dispute, error) {
	query := `SELECT id,assignment_id,raised_by,reason,status,COALESCE(resolution,''),created_at,resolved_at FROM disputes`
	var args []any
	if assignmentID != "" {
		query += ` WHERE assignment_id=?`
		args = append(args, assignmentID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		var d domain.Dispute
		var resolvedAt sql.NullString
		if err := rows.Scan(&d.ID, &d.AssignmentID, &d.RaisedBy, &d.Reason, &d.Status, &d.Resolution, &d.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			d.ResolvedAt = &resolvedAt.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
