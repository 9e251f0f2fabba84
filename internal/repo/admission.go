package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
)

func (q *Queries) CountLiveSlots(ctx context.Context, provider, credentialHash string, at time.Time) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM admission_slots WHERE provider = ? AND credential_hash = ? AND expires_at > ?`,
		provider, credentialHash, toMillis(at),
	).Scan(&n)
	return n, err
}

// InsertSlotIfCapacity inserts slot in one statement only while fewer than
// ceiling live slots exist for its pair. A ceiling of 0 never denies.
func (q *Queries) InsertSlotIfCapacity(ctx context.Context, slot *domain.AdmissionSlot, ceiling int) (bool, error) {
	if ceiling <= 0 {
		_, err := q.db.ExecContext(ctx,
			`INSERT INTO admission_slots (id, provider, credential_hash, task_key, task_id, execution_id, acquired_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			slot.ID, slot.Provider, slot.CredentialHash, slot.TaskKey, slot.TaskID, nullString(slot.ExecutionID),
			toMillis(slot.AcquiredAt), toMillis(slot.ExpiresAt),
		)
		return err == nil, err
	}
	return rowsAffected(q.db.ExecContext(ctx,
		`INSERT INTO admission_slots (id, provider, credential_hash, task_key, task_id, execution_id, acquired_at, expires_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE (SELECT COUNT(*) FROM admission_slots WHERE provider = ? AND credential_hash = ? AND expires_at > ?) < ?`,
		slot.ID, slot.Provider, slot.CredentialHash, slot.TaskKey, slot.TaskID, nullString(slot.ExecutionID),
		toMillis(slot.AcquiredAt), toMillis(slot.ExpiresAt),
		slot.Provider, slot.CredentialHash, toMillis(slot.AcquiredAt), ceiling,
	))
}

// AdoptSlot inserts slot without a capacity check; an existing slot with the
// same key is kept.
func (q *Queries) AdoptSlot(ctx context.Context, slot *domain.AdmissionSlot) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO admission_slots (id, provider, credential_hash, task_key, task_id, execution_id, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		slot.ID, slot.Provider, slot.CredentialHash, slot.TaskKey, slot.TaskID, nullString(slot.ExecutionID),
		toMillis(slot.AcquiredAt), toMillis(slot.ExpiresAt),
	)
	return err
}

func (q *Queries) ExchangeSlotKey(ctx context.Context, oldKey, newKey string) (bool, error) {
	return rowsAffected(q.db.ExecContext(ctx,
		`UPDATE admission_slots SET task_key = ? WHERE task_key = ?`, newKey, oldKey))
}

// DeleteSlot removes the slot and returns its credential hash in a single
// statement; ErrNotFound when it was already gone.
func (q *Queries) DeleteSlot(ctx context.Context, provider, taskKey string) (string, error) {
	var hash string
	err := q.db.QueryRowContext(ctx,
		`DELETE FROM admission_slots WHERE provider = ? AND task_key = ? RETURNING credential_hash`,
		provider, taskKey,
	).Scan(&hash)
	if err != nil {
		return "", notFound(err)
	}
	return hash, nil
}

func (q *Queries) GetSlotByTask(ctx context.Context, taskID string) (*domain.AdmissionSlot, error) {
	var slot domain.AdmissionSlot
	var execID sql.NullString
	var acquiredAt, expiresAt int64
	err := q.db.QueryRowContext(ctx,
		`SELECT id, provider, credential_hash, task_key, task_id, execution_id, acquired_at, expires_at
		 FROM admission_slots WHERE task_id = ? LIMIT 1`, taskID,
	).Scan(&slot.ID, &slot.Provider, &slot.CredentialHash, &slot.TaskKey, &slot.TaskID, &execID, &acquiredAt, &expiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	slot.ExecutionID = execID.String
	slot.AcquiredAt = fromMillis(acquiredAt)
	slot.ExpiresAt = fromMillis(expiresAt)
	return &slot, nil
}

// PurgeExpiredSlots deletes abandoned slots. It returns the distinct pairs
// that regained capacity and the tasks that held the slots.
func (q *Queries) PurgeExpiredSlots(ctx context.Context, at time.Time) ([]domain.ProviderPair, []string, error) {
	rows, err := q.db.QueryContext(ctx,
		`DELETE FROM admission_slots WHERE expires_at <= ? RETURNING provider, credential_hash, task_id`, toMillis(at))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	seen := map[domain.ProviderPair]bool{}
	var pairs []domain.ProviderPair
	var taskIDs []string
	for rows.Next() {
		var pair domain.ProviderPair
		var taskID string
		if err := rows.Scan(&pair.Provider, &pair.CredentialHash, &taskID); err != nil {
			return nil, nil, err
		}
		taskIDs = append(taskIDs, taskID)
		if seen[pair] {
			continue
		}
		seen[pair] = true
		pairs = append(pairs, pair)
	}
	return pairs, taskIDs, rows.Err()
}

const queueColumns = `id, provider, credential_hash, task_id, execution_id, node_id, node_type, input,
	priority, status, created_at, updated_at`

func (q *Queries) InsertQueueItem(ctx context.Context, item *domain.QueueItem) error {
	input, err := marshalOptional(item.Input)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO admission_queue (`+queueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Provider, item.CredentialHash, item.TaskID, nullString(item.ExecutionID),
		item.NodeID, item.NodeType, input, item.Priority, item.Status,
		toMillis(item.CreatedAt), toMillis(item.UpdatedAt),
	)
	return err
}

// NextQueueItem returns the highest-priority, oldest pending item of a pair.
func (q *Queries) NextQueueItem(ctx context.Context, provider, credentialHash string) (*domain.QueueItem, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM admission_queue
		 WHERE provider = ? AND credential_hash = ? AND status = ?
		 ORDER BY priority DESC, created_at ASC, seq ASC LIMIT 1`,
		provider, credentialHash, domain.QueueItemPending,
	)
	item, err := scanQueueItem(row)
	if err != nil {
		return nil, notFound(err)
	}
	return item, nil
}

func (q *Queries) GetQueueItem(ctx context.Context, id string) (*domain.QueueItem, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM admission_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if err != nil {
		return nil, notFound(err)
	}
	return item, nil
}

func (q *Queries) SetQueueItemStatus(ctx context.Context, id string, from, to domain.QueueItemStatus, at time.Time) (bool, error) {
	return rowsAffected(q.db.ExecContext(ctx,
		`UPDATE admission_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, toMillis(at), id, from,
	))
}

func (q *Queries) CountQueueItems(ctx context.Context, provider, credentialHash string, status domain.QueueItemStatus) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM admission_queue WHERE provider = ? AND credential_hash = ? AND status = ?`,
		provider, credentialHash, status,
	).Scan(&n)
	return n, err
}

// DeleteQueueItemsForTasks drops not-yet-issued queue work of the given tasks.
func (q *Queries) DeleteQueueItemsForTasks(ctx context.Context, taskIDs []string) (int64, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(taskIDs)+2)
	args = append(args, domain.QueueItemPending, domain.QueueItemProcessing)
	for _, id := range taskIDs {
		args = append(args, id)
	}
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM admission_queue WHERE status IN (?, ?) AND task_id IN (`+placeholders(len(taskIDs))+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpirePendingQueueItems marks pending items created before cutoff expired
// and returns them.
func (q *Queries) ExpirePendingQueueItems(ctx context.Context, cutoff, at time.Time) ([]*domain.QueueItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`UPDATE admission_queue SET status = ?, updated_at = ? WHERE status = ? AND created_at < ?
		 RETURNING `+queueColumns,
		domain.QueueItemExpired, toMillis(at), domain.QueueItemPending, toMillis(cutoff),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// RequeueStaleQueueItems hands promoted items that were never settled back
// to the queue.
func (q *Queries) RequeueStaleQueueItems(ctx context.Context, cutoff, at time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE admission_queue SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		domain.QueueItemPending, toMillis(at), domain.QueueItemProcessing, toMillis(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListPendingQueuePairs returns every pair with at least one pending item.
func (q *Queries) ListPendingQueuePairs(ctx context.Context) ([]domain.ProviderPair, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT DISTINCT provider, credential_hash FROM admission_queue WHERE status = ? ORDER BY provider, credential_hash`,
		domain.QueueItemPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ProviderPair
	for rows.Next() {
		var pair domain.ProviderPair
		if err := rows.Scan(&pair.Provider, &pair.CredentialHash); err != nil {
			return nil, err
		}
		out = append(out, pair)
	}
	return out, rows.Err()
}

func scanQueueItem(row rowScanner) (*domain.QueueItem, error) {
	var item domain.QueueItem
	var execID, input sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(
		&item.ID, &item.Provider, &item.CredentialHash, &item.TaskID, &execID, &item.NodeID, &item.NodeType,
		&input, &item.Priority, &item.Status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.ExecutionID = execID.String
	item.CreatedAt = fromMillis(createdAt)
	item.UpdatedAt = fromMillis(updatedAt)
	if input.Valid {
		if err := json.Unmarshal([]byte(input.String), &item.Input); err != nil {
			return nil, fmt.Errorf("decode queue item input: %w", err)
		}
	}
	return &item, nil
}
