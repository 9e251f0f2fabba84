package repo

import (
	"context"
	"errors"
	"time"
)

var ErrInsufficientBalance = errors.New("insufficient credit balance")

func (q *Queries) GrantCredits(ctx context.Context, userID string, amount int64, expiresAt *time.Time, at time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO credit_lots (user_id, remaining, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		userID, amount, millisPtr(expiresAt), toMillis(at),
	)
	return err
}

// AvailableCredits sums the remaining amount of lots that have not expired at at.
func (q *Queries) AvailableCredits(ctx context.Context, userID string, at time.Time) (int64, error) {
	var total int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(remaining), 0) FROM credit_lots
		 WHERE user_id = ? AND remaining > 0 AND (expires_at IS NULL OR expires_at > ?)`,
		userID, toMillis(at),
	).Scan(&total)
	return total, err
}

// DebitCredits consumes live lots soonest-expiring first; lots without an
// expiry are drawn last.
func (q *Queries) DebitCredits(ctx context.Context, userID string, amount int64, reference string, at time.Time) error {
	if amount <= 0 {
		return nil
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT seq, remaining FROM credit_lots
		 WHERE user_id = ? AND remaining > 0 AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY expires_at IS NULL, expires_at, seq`,
		userID, toMillis(at),
	)
	if err != nil {
		return err
	}
	type lot struct {
		seq       int64
		remaining int64
	}
	var lots []lot
	for rows.Next() {
		var l lot
		if err := rows.Scan(&l.seq, &l.remaining); err != nil {
			rows.Close()
			return err
		}
		lots = append(lots, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	left := amount
	for _, l := range lots {
		if left == 0 {
			break
		}
		take := l.remaining
		if take > left {
			take = left
		}
		if _, err := q.db.ExecContext(ctx,
			`UPDATE credit_lots SET remaining = remaining - ? WHERE seq = ?`, take, l.seq); err != nil {
			return err
		}
		left -= take
	}
	if left > 0 {
		return ErrInsufficientBalance
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO credit_debits (user_id, amount, reference, created_at) VALUES (?, ?, ?, ?)`,
		userID, amount, nullString(reference), toMillis(at),
	)
	return err
}
