package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"assignline/internal/domain"
)

// UpsertPaymentSession stores a session on its composite key. The status
// guard in the engine keeps this to at most one live session per key; the
// upsert only matters after manual repair of a broken assignment.
func (r Repo) UpsertPaymentSession(ctx context.Context, tx *sql.Tx, s domain.PaymentSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO payment_sessions(assignment_id,payer_id,amount,paid,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(assignment_id,payer_id) DO UPDATE SET amount=excluded.amount, paid=excluded.paid, created_at=excluded.created_at`,
		s.AssignmentID, s.PayerID, s.Amount.String(), boolInt(s.Paid), s.CreatedAt)
	return err
}

func (r Repo) GetPaymentSession(ctx context.Context, assignmentID, payerID string) (domain.PaymentSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT assignment_id,payer_id,amount,paid,created_at FROM payment_sessions WHERE assignment_id=? AND payer_id=?`,
		assignmentID, payerID)
	return scanPaymentSession(row.Scan)
}

func (r Repo) GetPaymentSessionTx(ctx context.Context, tx *sql.Tx, assignmentID, payerID string) (domain.PaymentSession, error) {
	row := tx.QueryRowContext(ctx, `SELECT assignment_id,payer_id,amount,paid,created_at FROM payment_sessions WHERE assignment_id=? AND payer_id=?`,
		assignmentID, payerID)
	return scanPaymentSession(row.Scan)
}

// MarkPaymentSessionPaid flips paid to true. Paid is monotonic: the update
// never writes false.
func (r Repo) MarkPaymentSessionPaid(ctx context.Context, tx *sql.Tx, assignmentID, payerID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE payment_sessions SET paid=1 WHERE assignment_id=? AND payer_id=?`,
		assignmentID, payerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListPaymentSessions(ctx context.Context, assignmentID string) ([]domain.PaymentSession, error) {
	query := `SELECT assignment_id,payer_id,amount,paid,created_at FROM payment_sessions`
	var args []any
	if assignmentID != "" {
		query += ` WHERE assignment_id=?`
		args = append(args, assignmentID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentSession
	for rows.Next() {
		s, err := scanPaymentSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func scanPaymentSession(scan func(dest ...any) error) (domain.PaymentSession, error) {
	var s domain.PaymentSession
	var amount string
	var paid int
	err := scan(&s.AssignmentID, &s.PayerID, &amount, &paid, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return s, err
	}
	s.Paid = paid != 0
	return s, nil
}
