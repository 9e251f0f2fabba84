package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
)

const (
	workStatusPending = "pending"
	workStatusClaimed = "claimed"
	workStatusDone    = "done"
)

func (q *Queries) InsertWorkItem(ctx context.Context, item *domain.WorkItem) error {
	payload, err := marshalOptional(item.Payload)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO work_items (id, kind, task_id, execution_id, payload, run_at, attempts, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Kind, item.TaskID, item.ExecutionID, payload, toMillis(item.RunAt), item.Attempts, workStatusPending,
	)
	return err
}

// ClaimDueWorkItems atomically moves up to limit due items to claimed and
// returns them in enqueue order. Claims older than staleAfter are handed out
// again so a crashed worker does not strand work.
func (q *Queries) ClaimDueWorkItems(ctx context.Context, at time.Time, limit int, staleAfter time.Duration) ([]*domain.WorkItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`UPDATE work_items SET status = ?, claimed_at = ?, attempts = attempts + 1
		 WHERE seq IN (
			SELECT seq FROM work_items
			WHERE (status = ? AND run_at <= ?) OR (status = ? AND claimed_at <= ?)
			ORDER BY run_at, seq LIMIT ?
		 )
		 RETURNING id, kind, task_id, execution_id, payload, run_at, attempts, seq`,
		workStatusClaimed, toMillis(at),
		workStatusPending, toMillis(at), workStatusClaimed, toMillis(at.Add(-staleAfter)),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type claimed struct {
		item *domain.WorkItem
		seq  int64
	}
	var out []claimed
	for rows.Next() {
		var item domain.WorkItem
		var payload sql.NullString
		var runAt, seq int64
		if err := rows.Scan(&item.ID, &item.Kind, &item.TaskID, &item.ExecutionID, &payload, &runAt, &item.Attempts, &seq); err != nil {
			return nil, err
		}
		item.RunAt = fromMillis(runAt)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &item.Payload); err != nil {
				return nil, fmt.Errorf("decode work item payload: %w", err)
			}
		}
		out = append(out, claimed{item: &item, seq: seq})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING order is unspecified.
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	items := make([]*domain.WorkItem, 0, len(out))
	for _, c := range out {
		items = append(items, c.item)
	}
	return items, nil
}

func (q *Queries) CompleteWorkItem(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE work_items SET status = ? WHERE id = ?`, workStatusDone, id)
	return err
}

// DeleteWorkItemsForTasks removes outstanding (not done) work of the given
// kinds for the tasks; all kinds when kinds is empty.
func (q *Queries) DeleteWorkItemsForTasks(ctx context.Context, taskIDs []string, kinds ...domain.WorkKind) (int64, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	query := `DELETE FROM work_items WHERE status != ? AND task_id IN (` + placeholders(len(taskIDs)) + `)`
	args := []any{workStatusDone}
	for _, id := range taskIDs {
		args = append(args, id)
	}
	if len(kinds) > 0 {
		query += ` AND kind IN (` + placeholders(len(kinds)) + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) CountOutstandingWork(ctx context.Context, taskID string, kind domain.WorkKind) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_items WHERE task_id = ? AND kind = ? AND status != ?`,
		taskID, kind, workStatusDone,
	).Scan(&n)
	return n, err
}

// PruneDoneWorkItems deletes finished work older than cutoff.
func (q *Queries) PruneDoneWorkItems(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM work_items WHERE status = ? AND run_at < ?`, workStatusDone, toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) InsertWebhookEvent(ctx context.Context, ev *domain.WebhookEvent) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, source, query, body, received_at, outcome) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Source, nullString(ev.Query), ev.Body, toMillis(ev.ReceivedAt), nullString(ev.Outcome),
	)
	return err
}

// SetWebhookOutcome records how a delivery was handled and the external id
// it named, when it could be parsed.
func (q *Queries) SetWebhookOutcome(ctx context.Context, id, outcome, externalID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE webhook_events SET outcome = ?, external_id = COALESCE(?, external_id) WHERE id = ?`,
		outcome, nullString(externalID), id)
	return err
}

const webhookColumns = `id, source, external_id, query, body, received_at, outcome`

func (q *Queries) ListWebhookEvents(ctx context.Context, source string, limit int) ([]*domain.WebhookEvent, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events
		 WHERE (? = '' OR source = ?) ORDER BY seq DESC LIMIT ?`, source, source, limit)
	if err != nil {
		return nil, err
	}
	return scanWebhookEvents(rows)
}

// ListWebhookEventsFor returns deliveries for one external id that ended
// with the given outcome, oldest first.
func (q *Queries) ListWebhookEventsFor(ctx context.Context, source, externalID, outcome string) ([]*domain.WebhookEvent, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events
		 WHERE source = ? AND external_id = ? AND outcome = ? ORDER BY seq ASC`, source, externalID, outcome)
	if err != nil {
		return nil, err
	}
	return scanWebhookEvents(rows)
}

func (q *Queries) CountWebhookEventsFor(ctx context.Context, source, externalID, outcome string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE source = ? AND external_id = ? AND outcome = ?`,
		source, externalID, outcome,
	).Scan(&n)
	return n, err
}

func scanWebhookEvents(rows *sql.Rows) ([]*domain.WebhookEvent, error) {
	defer rows.Close()
	var out []*domain.WebhookEvent
	for rows.Next() {
		var ev domain.WebhookEvent
		var externalID, query, outcome sql.NullString
		var receivedAt int64
		if err := rows.Scan(&ev.ID, &ev.Source, &externalID, &query, &ev.Body, &receivedAt, &outcome); err != nil {
			return nil, err
		}
		ev.ExternalID = externalID.String
		ev.Query = query.String
		ev.Outcome = outcome.String
		ev.ReceivedAt = fromMillis(receivedAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
