package sqlc

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so a Queries value can run
// against the pool directly or be bound into a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type UpsertWorkerNodeParams struct {
	NodeID             string
	SessionID          string
	Provisioned        int64
	NodeName           string
	ExecutorKind       string
	Version            string
	RegisteredAtUnixMs int64
	LastSeenAtUnixMs   int64
}

func (q *Queries) UpsertWorkerNode(ctx context.Context, arg UpsertWorkerNodeParams) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO worker_nodes (node_id, session_id, provisioned, node_name, executor_kind, version, registered_at_unix_ms, last_seen_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (node_id) DO UPDATE SET
	session_id = excluded.session_id,
	provisioned = excluded.provisioned,
	node_name = excluded.node_name,
	executor_kind = excluded.executor_kind,
	version = excluded.version,
	registered_at_unix_ms = excluded.registered_at_unix_ms,
	last_seen_at_unix_ms = excluded.last_seen_at_unix_ms
`, arg.NodeID, arg.SessionID, arg.Provisioned, arg.NodeName, arg.ExecutorKind, arg.Version, arg.RegisteredAtUnixMs, arg.LastSeenAtUnixMs)
	return err
}

func (q *Queries) GetWorkerNodeByID(ctx context.Context, nodeID string) (WorkerNode, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT node_id, session_id, provisioned, node_name, executor_kind, version, registered_at_unix_ms, last_seen_at_unix_ms
FROM worker_nodes WHERE node_id = ?`, nodeID)
	var n WorkerNode
	err := row.Scan(&n.NodeID, &n.SessionID, &n.Provisioned, &n.NodeName, &n.ExecutorKind, &n.Version, &n.RegisteredAtUnixMs, &n.LastSeenAtUnixMs)
	return n, err
}

func (q *Queries) ListWorkerNodesOrdered(ctx context.Context) ([]WorkerNode, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT node_id, session_id, provisioned, node_name, executor_kind, version, registered_at_unix_ms, last_seen_at_unix_ms
FROM worker_nodes ORDER BY registered_at_unix_ms ASC, node_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkerNode
	for rows.Next() {
		var n WorkerNode
		if err := rows.Scan(&n.NodeID, &n.SessionID, &n.Provisioned, &n.NodeName, &n.ExecutorKind, &n.Version, &n.RegisteredAtUnixMs, &n.LastSeenAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (q *Queries) DeleteWorkerNodeByID(ctx context.Context, nodeID string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM worker_nodes WHERE node_id = ?`, nodeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type InsertProvisionedWorkerNodeIfAbsentParams struct {
	NodeID             string
	NodeName           string
	RegisteredAtUnixMs int64
	LastSeenAtUnixMs   int64
}

func (q *Queries) InsertProvisionedWorkerNodeIfAbsent(ctx context.Context, arg InsertProvisionedWorkerNodeIfAbsentParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
INSERT OR IGNORE INTO worker_nodes (node_id, session_id, provisioned, node_name, executor_kind, version, registered_at_unix_ms, last_seen_at_unix_ms)
VALUES (?, '', 1, ?, '', '', ?, ?)`, arg.NodeID, arg.NodeName, arg.RegisteredAtUnixMs, arg.LastSeenAtUnixMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type UpdateWorkerHeartbeatBySessionParams struct {
	LastSeenAtUnixMs int64
	NodeID           string
	SessionID        string
}

func (q *Queries) UpdateWorkerHeartbeatBySession(ctx context.Context, arg UpdateWorkerHeartbeatBySessionParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE worker_nodes SET last_seen_at_unix_ms = ? WHERE node_id = ? AND session_id = ?`,
		arg.LastSeenAtUnixMs, arg.NodeID, arg.SessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type ClearWorkerSessionByNodeAndSessionParams struct {
	NodeID    string
	SessionID string
}

func (q *Queries) ClearWorkerSessionByNodeAndSession(ctx context.Context, arg ClearWorkerSessionByNodeAndSessionParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE worker_nodes SET session_id = '' WHERE node_id = ? AND session_id = ?`, arg.NodeID, arg.SessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) ClearWorkerSessionByNode(ctx context.Context, nodeID string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE worker_nodes SET session_id = '' WHERE node_id = ?`, nodeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) ClearAllWorkerSessions(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE worker_nodes SET session_id = '' WHERE session_id != ''`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) DeleteOfflineRuntimeWorkers(ctx context.Context, lastSeenBeforeUnixMs int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
DELETE FROM worker_nodes WHERE provisioned = 0 AND last_seen_at_unix_ms < ?`, lastSeenBeforeUnixMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) DeleteWorkerCapabilitiesByNode(ctx context.Context, nodeID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM worker_capabilities WHERE node_id = ?`, nodeID)
	return err
}

type InsertWorkerCapabilityParams struct {
	NodeID         string
	CapabilityName string
	MaxInflight    int64
}

func (q *Queries) InsertWorkerCapability(ctx context.Context, arg InsertWorkerCapabilityParams) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO worker_capabilities (node_id, capability_name, max_inflight) VALUES (?, ?, ?)`,
		arg.NodeID, arg.CapabilityName, arg.MaxInflight)
	return err
}

func (q *Queries) ListWorkerCapabilitiesByNode(ctx context.Context, nodeID string) ([]WorkerCapability, error) {
	return q.queryCapabilities(ctx, `
SELECT node_id, capability_name, max_inflight FROM worker_capabilities WHERE node_id = ?`, nodeID)
}

func (q *Queries) ListWorkerCapabilitiesAll(ctx context.Context) ([]WorkerCapability, error) {
	return q.queryCapabilities(ctx, `SELECT node_id, capability_name, max_inflight FROM worker_capabilities`)
}

func (q *Queries) queryCapabilities(ctx context.Context, query string, args ...any) ([]WorkerCapability, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkerCapability
	for rows.Next() {
		var c WorkerCapability
		if err := rows.Scan(&c.NodeID, &c.CapabilityName, &c.MaxInflight); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *Queries) DeleteWorkerLabelsByNode(ctx context.Context, nodeID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM worker_labels WHERE node_id = ?`, nodeID)
	return err
}

type InsertWorkerLabelParams struct {
	NodeID     string
	LabelKey   string
	LabelValue string
}

func (q *Queries) InsertWorkerLabel(ctx context.Context, arg InsertWorkerLabelParams) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO worker_labels (node_id, label_key, label_value) VALUES (?, ?, ?)`,
		arg.NodeID, arg.LabelKey, arg.LabelValue)
	return err
}

func (q *Queries) ListWorkerLabelsByNode(ctx context.Context, nodeID string) ([]WorkerLabel, error) {
	return q.queryLabels(ctx, `SELECT node_id, label_key, label_value FROM worker_labels WHERE node_id = ?`, nodeID)
}

func (q *Queries) ListWorkerLabelsAll(ctx context.Context) ([]WorkerLabel, error) {
	return q.queryLabels(ctx, `SELECT node_id, label_key, label_value FROM worker_labels`)
}

func (q *Queries) queryLabels(ctx context.Context, query string, args ...any) ([]WorkerLabel, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkerLabel
	for rows.Next() {
		var l WorkerLabel
		if err := rows.Scan(&l.NodeID, &l.LabelKey, &l.LabelValue); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type ListWorkerNodeIDsByOwnerAndTypeParams struct {
	LabelValue   string
	LabelValue_2 string
}

func (q *Queries) ListWorkerNodeIDsByOwnerAndType(ctx context.Context, arg ListWorkerNodeIDsByOwnerAndTypeParams) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT owner.node_id FROM worker_labels AS owner
JOIN worker_labels AS wtype ON wtype.node_id = owner.node_id AND wtype.label_key = 'fr.worker_type' AND wtype.label_value = ?
WHERE owner.label_key = 'fr.owner_id' AND owner.label_value = ?`, arg.LabelValue_2, arg.LabelValue)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

type CountWorkerNodesByOwnerAndTypeParams struct {
	LabelValue   string
	LabelValue_2 string
}

func (q *Queries) CountWorkerNodesByOwnerAndType(ctx context.Context, arg CountWorkerNodesByOwnerAndTypeParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM worker_labels AS owner
JOIN worker_labels AS wtype ON wtype.node_id = owner.node_id AND wtype.label_key = 'fr.worker_type' AND wtype.label_value = ?
WHERE owner.label_key = 'fr.owner_id' AND owner.label_value = ?`, arg.LabelValue_2, arg.LabelValue)
	var count int64
	err := row.Scan(&count)
	return count, err
}

type InsertWorkerSysOwnerClaimIfAbsentParams struct {
	OwnerID         string
	NodeID          string
	ClaimedAtUnixMs int64
}

func (q *Queries) InsertWorkerSysOwnerClaimIfAbsent(ctx context.Context, arg InsertWorkerSysOwnerClaimIfAbsentParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
INSERT OR IGNORE INTO worker_sys_claims (owner_id, node_id, claimed_at_unix_ms) VALUES (?, ?, ?)`,
		arg.OwnerID, arg.NodeID, arg.ClaimedAtUnixMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type ListOnlineWorkerNodeIDsByOwnerTypeAndCapabilityParams struct {
	CapabilityName   string
	LabelValue       string
	LabelValue_2     string
	LastSeenAtUnixMs int64
}

func (q *Queries) ListOnlineWorkerNodeIDsByOwnerTypeAndCapability(ctx context.Context, arg ListOnlineWorkerNodeIDsByOwnerTypeAndCapabilityParams) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT n.node_id FROM worker_nodes n
JOIN worker_capabilities c ON c.node_id = n.node_id AND c.capability_name = ?
JOIN worker_labels owner ON owner.node_id = n.node_id AND owner.label_key = 'fr.owner_id' AND owner.label_value = ?
JOIN worker_labels wtype ON wtype.node_id = n.node_id AND wtype.label_key = 'fr.worker_type' AND wtype.label_value = ?
WHERE n.session_id != '' AND n.last_seen_at_unix_ms >= ?`,
		arg.CapabilityName, arg.LabelValue, arg.LabelValue_2, arg.LastSeenAtUnixMs)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

type ListOnlineWorkerNodeIDsByCapabilityParams struct {
	CapabilityName   string
	LastSeenAtUnixMs int64
}

func (q *Queries) ListOnlineWorkerNodeIDsByCapability(ctx context.Context, arg ListOnlineWorkerNodeIDsByCapabilityParams) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT n.node_id FROM worker_nodes n
JOIN worker_capabilities c ON c.node_id = n.node_id AND c.capability_name = ?
WHERE n.session_id != '' AND n.last_seen_at_unix_ms >= ?`, arg.CapabilityName, arg.LastSeenAtUnixMs)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Credentials.

type InsertCredentialIfAbsentParams struct {
	NodeID          string
	SecretHash      string
	HashAlgo        string
	CreatedAtUnixMs int64
}

func (q *Queries) InsertCredentialIfAbsent(ctx context.Context, arg InsertCredentialIfAbsentParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
INSERT OR IGNORE INTO worker_credentials (node_id, secret_hash, hash_algo, created_at_unix_ms) VALUES (?, ?, ?, ?)`,
		arg.NodeID, arg.SecretHash, arg.HashAlgo, arg.CreatedAtUnixMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) GetCredentialByNodeID(ctx context.Context, nodeID string) (WorkerCredential, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT node_id, secret_hash, hash_algo, created_at_unix_ms FROM worker_credentials WHERE node_id = ?`, nodeID)
	var c WorkerCredential
	err := row.Scan(&c.NodeID, &c.SecretHash, &c.HashAlgo, &c.CreatedAtUnixMs)
	return c, err
}

func (q *Queries) DeleteCredentialByNodeID(ctx context.Context, nodeID string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM worker_credentials WHERE node_id = ?`, nodeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) ListCredentials(ctx context.Context) ([]WorkerCredential, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT node_id, secret_hash, hash_algo, created_at_unix_ms FROM worker_credentials`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkerCredential
	for rows.Next() {
		var c WorkerCredential
		if err := rows.Scan(&c.NodeID, &c.SecretHash, &c.HashAlgo, &c.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Tasks.

type InsertTaskParams struct {
	TaskID            string
	OwnerID           string
	RequestID         string
	Capability        string
	InputJson         string
	Status            string
	CommandID         string
	ResultJson        string
	ErrorCode         string
	ErrorMessage      string
	CreatedAtUnixMs   int64
	UpdatedAtUnixMs   int64
	DeadlineAtUnixMs  int64
	CompletedAtUnixMs int64
	ExpiresAtUnixMs   int64
}

func (q *Queries) InsertTask(ctx context.Context, arg InsertTaskParams) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO tasks (
	task_id, owner_id, request_id, capability, input_json, status, command_id,
	result_json, error_code, error_message, created_at_unix_ms, updated_at_unix_ms,
	deadline_at_unix_ms, completed_at_unix_ms, expires_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		arg.TaskID, arg.OwnerID, arg.RequestID, arg.Capability, arg.InputJson, arg.Status, arg.CommandID,
		arg.ResultJson, arg.ErrorCode, arg.ErrorMessage, arg.CreatedAtUnixMs, arg.UpdatedAtUnixMs,
		arg.DeadlineAtUnixMs, arg.CompletedAtUnixMs, arg.ExpiresAtUnixMs)
	return err
}

func (q *Queries) GetTaskByID(ctx context.Context, taskID string) (Task, error) {
	return q.scanTask(q.db.QueryRowContext(ctx, taskColumns+` FROM tasks WHERE task_id = ?`, taskID))
}

type GetTaskByOwnerAndRequestParams struct {
	OwnerID   string
	RequestID string
}

func (q *Queries) GetTaskByOwnerAndRequest(ctx context.Context, arg GetTaskByOwnerAndRequestParams) (Task, error) {
	return q.scanTask(q.db.QueryRowContext(ctx, taskColumns+` FROM tasks WHERE owner_id = ? AND request_id = ? AND request_id != ''`,
		arg.OwnerID, arg.RequestID))
}

const taskColumns = `SELECT task_id, owner_id, request_id, capability, input_json, status, command_id,
	result_json, error_code, error_message, created_at_unix_ms, updated_at_unix_ms,
	deadline_at_unix_ms, completed_at_unix_ms, expires_at_unix_ms`

func (q *Queries) scanTask(row *sql.Row) (Task, error) {
	var t Task
	err := row.Scan(
		&t.TaskID, &t.OwnerID, &t.RequestID, &t.Capability, &t.InputJson, &t.Status, &t.CommandID,
		&t.ResultJson, &t.ErrorCode, &t.ErrorMessage, &t.CreatedAtUnixMs, &t.UpdatedAtUnixMs,
		&t.DeadlineAtUnixMs, &t.CompletedAtUnixMs, &t.ExpiresAtUnixMs,
	)
	return t, err
}

type MarkTaskDispatchedParams struct {
	UpdatedAtUnixMs int64
	TaskID          string
}

func (q *Queries) MarkTaskDispatched(ctx context.Context, arg MarkTaskDispatchedParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE tasks SET status = 'dispatched', updated_at_unix_ms = ? WHERE task_id = ? AND status = 'queued'`,
		arg.UpdatedAtUnixMs, arg.TaskID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type MarkTaskRunningParams struct {
	CommandID       string
	UpdatedAtUnixMs int64
	TaskID          string
}

func (q *Queries) MarkTaskRunning(ctx context.Context, arg MarkTaskRunningParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE tasks SET status = 'running', command_id = ?, updated_at_unix_ms = ? WHERE task_id = ? AND status = 'dispatched'`,
		arg.CommandID, arg.UpdatedAtUnixMs, arg.TaskID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type MarkTaskTerminalParams struct {
	Status            string
	ResultJson        string
	ErrorCode         string
	ErrorMessage      string
	UpdatedAtUnixMs   int64
	CompletedAtUnixMs int64
	ExpiresAtUnixMs   int64
	TaskID            string
}

func (q *Queries) MarkTaskTerminal(ctx context.Context, arg MarkTaskTerminalParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, result_json = ?, error_code = ?, error_message = ?,
	updated_at_unix_ms = ?, completed_at_unix_ms = ?, expires_at_unix_ms = ?
WHERE task_id = ? AND status NOT IN ('succeeded', 'failed', 'timeout', 'canceled')`,
		arg.Status, arg.ResultJson, arg.ErrorCode, arg.ErrorMessage,
		arg.UpdatedAtUnixMs, arg.CompletedAtUnixMs, arg.ExpiresAtUnixMs, arg.TaskID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) DeleteExpiredTerminalTasks(ctx context.Context, nowUnixMs int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
DELETE FROM tasks
WHERE status IN ('succeeded', 'failed', 'timeout', 'canceled') AND expires_at_unix_ms > 0 AND expires_at_unix_ms <= ?`,
		nowUnixMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type RecoverRunningTasksParams struct {
	ErrorMessage      string
	UpdatedAtUnixMs   int64
	CompletedAtUnixMs int64
	ExpiresAtUnixMs   int64
}

type TaskStatusCount struct {
	Status string
	Count  int64
}

func (q *Queries) CountTasksByStatus(ctx context.Context) ([]TaskStatusCount, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskStatusCount
	for rows.Next() {
		var c TaskStatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecoverRunningTasks fails every task left in a non-terminal state by a
// console crash/restart, matching the outcome finishTaskWithError would have
// produced had the worker itself reported console_restarted.
func (q *Queries) RecoverRunningTasks(ctx context.Context, arg RecoverRunningTasksParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE tasks SET status = 'failed', error_code = 'console_restarted', error_message = ?,
	updated_at_unix_ms = ?, completed_at_unix_ms = ?, expires_at_unix_ms = ?
WHERE status IN ('queued', 'dispatched', 'running')`,
		arg.ErrorMessage, arg.UpdatedAtUnixMs, arg.CompletedAtUnixMs, arg.ExpiresAtUnixMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
