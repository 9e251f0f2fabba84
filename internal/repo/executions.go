package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
)

func (q *Queries) UpsertWorkflow(ctx context.Context, wf *domain.Workflow) error {
	graph, err := json.Marshal(wf.Graph)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO workflows (id, user_id, name, graph, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, graph = excluded.graph, updated_at = excluded.updated_at`,
		wf.ID, wf.UserID, wf.Name, string(graph), toMillis(wf.UpdatedAt),
	)
	return err
}

func (q *Queries) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	var wf domain.Workflow
	var graph string
	var updatedAt int64
	err := q.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, graph, updated_at FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.UserID, &wf.Name, &graph, &updatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal([]byte(graph), &wf.Graph); err != nil {
		return nil, fmt.Errorf("decode workflow %s graph: %w", id, err)
	}
	wf.UpdatedAt = fromMillis(updatedAt)
	return &wf, nil
}

const executionColumns = `id, user_id, workflow_id, batch_id, status, total_iterations, current_iteration,
	graph, order_json, inputs, outputs, partial_output, error, created_at, started_at, completed_at`

func (q *Queries) InsertExecution(ctx context.Context, exec *domain.Execution) error {
	graph, err := json.Marshal(exec.Graph)
	if err != nil {
		return err
	}
	order, err := json.Marshal(exec.Order)
	if err != nil {
		return err
	}
	inputs, err := marshalOptional(exec.Inputs)
	if err != nil {
		return err
	}
	outputs, err := marshalOptional(exec.Outputs)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.UserID, nullString(exec.WorkflowID), exec.BatchID, exec.Status,
		exec.TotalIterations, exec.CurrentIteration, string(graph), string(order),
		inputs, outputs, nullString(exec.PartialOutput), nullString(exec.Error),
		toMillis(exec.CreatedAt), millisPtr(exec.StartedAt), millisPtr(exec.CompletedAt),
	)
	return err
}

func (q *Queries) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		return nil, notFound(err)
	}
	return exec, nil
}

// UpdateExecution persists the mutable execution fields.
func (q *Queries) UpdateExecution(ctx context.Context, exec *domain.Execution) error {
	outputs, err := marshalOptional(exec.Outputs)
	if err != nil {
		return err
	}
	ok, err := rowsAffected(q.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, current_iteration = ?, outputs = ?, partial_output = ?, error = ?,
		 started_at = ?, completed_at = ? WHERE id = ?`,
		exec.Status, exec.CurrentIteration, outputs, nullString(exec.PartialOutput), nullString(exec.Error),
		millisPtr(exec.StartedAt), millisPtr(exec.CompletedAt), exec.ID,
	))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) ListBatchExecutions(ctx context.Context, batchID string) ([]*domain.Execution, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE batch_id = ? ORDER BY current_iteration`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var exec domain.Execution
	var workflowID, inputs, outputs, partial, errText sql.NullString
	var graph, order string
	var createdAt int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(
		&exec.ID, &exec.UserID, &workflowID, &exec.BatchID, &exec.Status,
		&exec.TotalIterations, &exec.CurrentIteration, &graph, &order,
		&inputs, &outputs, &partial, &errText, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	exec.WorkflowID = workflowID.String
	exec.PartialOutput = partial.String
	exec.Error = errText.String
	exec.CreatedAt = fromMillis(createdAt)
	exec.StartedAt = timePtr(startedAt)
	exec.CompletedAt = timePtr(completedAt)

	if err := json.Unmarshal([]byte(graph), &exec.Graph); err != nil {
		return nil, fmt.Errorf("decode execution graph: %w", err)
	}
	if err := json.Unmarshal([]byte(order), &exec.Order); err != nil {
		return nil, fmt.Errorf("decode execution order: %w", err)
	}
	if inputs.Valid {
		if err := json.Unmarshal([]byte(inputs.String), &exec.Inputs); err != nil {
			return nil, fmt.Errorf("decode execution inputs: %w", err)
		}
	}
	if outputs.Valid {
		if err := json.Unmarshal([]byte(outputs.String), &exec.Outputs); err != nil {
			return nil, fmt.Errorf("decode execution outputs: %w", err)
		}
	}
	return &exec, nil
}

const taskColumns = `id, execution_id, node_id, node_type, sequence, status, provider, external_id,
	result_ref, error, waiting, started_at, completed_at`

func (q *Queries) InsertTask(ctx context.Context, task *domain.Task) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ExecutionID, task.NodeID, task.NodeType, task.Sequence, task.Status,
		nullString(task.Provider), nullString(task.ExternalID), nullString(task.ResultRef),
		nullString(task.Error), nullString(task.Waiting), millisPtr(task.StartedAt), millisPtr(task.CompletedAt),
	)
	return err
}

func (q *Queries) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, notFound(err)
	}
	return task, nil
}

func (q *Queries) GetTaskByExternalID(ctx context.Context, externalID string) (*domain.Task, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE external_id = ? LIMIT 1`, externalID)
	task, err := scanTask(row)
	if err != nil {
		return nil, notFound(err)
	}
	return task, nil
}

// ListTasks returns the tasks of an execution in compile order.
func (q *Queries) ListTasks(ctx context.Context, executionID string) ([]*domain.Task, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE execution_id = ? ORDER BY sequence`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (q *Queries) UpdateTask(ctx context.Context, task *domain.Task) error {
	ok, err := q.UpdateTaskIf(ctx, task)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// UpdateTaskIf writes task only while its stored status is one of allowed
// (any status when allowed is empty) and reports whether a row changed.
func (q *Queries) UpdateTaskIf(ctx context.Context, task *domain.Task, allowed ...domain.TaskStatus) (bool, error) {
	query := `UPDATE tasks SET status = ?, provider = ?, external_id = ?, result_ref = ?, error = ?, waiting = ?,
		started_at = ?, completed_at = ? WHERE id = ?`
	args := []any{
		task.Status, nullString(task.Provider), nullString(task.ExternalID), nullString(task.ResultRef),
		nullString(task.Error), nullString(task.Waiting), millisPtr(task.StartedAt), millisPtr(task.CompletedAt), task.ID,
	}
	if len(allowed) > 0 {
		query += ` AND status IN (` + placeholders(len(allowed)) + `)`
		for _, st := range allowed {
			args = append(args, st)
		}
	}
	return rowsAffected(q.db.ExecContext(ctx, query, args...))
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var task domain.Task
	var provider, externalID, resultRef, errText, waiting sql.NullString
	var startedAt, completedAt sql.NullInt64
	err := row.Scan(
		&task.ID, &task.ExecutionID, &task.NodeID, &task.NodeType, &task.Sequence, &task.Status,
		&provider, &externalID, &resultRef, &errText, &waiting, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Provider = provider.String
	task.ExternalID = externalID.String
	task.ResultRef = resultRef.String
	task.Error = errText.String
	task.Waiting = waiting.String
	task.StartedAt = timePtr(startedAt)
	task.CompletedAt = timePtr(completedAt)
	return &task, nil
}

func (q *Queries) InsertFlow(ctx context.Context, flow *domain.FlowExecution) error {
	nodes, err := json.Marshal(flow.NodeIDs)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO flow_executions (id, execution_id, entry_node_id, priority, status, node_ids, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		flow.ID, flow.ExecutionID, flow.EntryNodeID, flow.Priority, flow.Status, string(nodes), millisPtr(flow.CompletedAt),
	)
	return err
}

func (q *Queries) ListFlows(ctx context.Context, executionID string) ([]*domain.FlowExecution, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, execution_id, entry_node_id, priority, status, node_ids, completed_at
		 FROM flow_executions WHERE execution_id = ? ORDER BY priority`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.FlowExecution
	for rows.Next() {
		var flow domain.FlowExecution
		var nodes string
		var completedAt sql.NullInt64
		if err := rows.Scan(&flow.ID, &flow.ExecutionID, &flow.EntryNodeID, &flow.Priority, &flow.Status, &nodes, &completedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(nodes), &flow.NodeIDs); err != nil {
			return nil, fmt.Errorf("decode flow nodes: %w", err)
		}
		flow.CompletedAt = timePtr(completedAt)
		out = append(out, &flow)
	}
	return out, rows.Err()
}

func (q *Queries) UpdateFlow(ctx context.Context, flow *domain.FlowExecution) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE flow_executions SET status = ?, completed_at = ? WHERE id = ?`,
		flow.Status, millisPtr(flow.CompletedAt), flow.ID,
	)
	return err
}

func marshalOptional[T any](v map[string]T) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
