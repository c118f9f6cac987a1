package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"huntd/pkg/model"
)

// SQLiteStore persists executions in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writers so sequence assignment is atomic
}

// NewSQLiteStore opens (and migrates) the database at path. ":memory:" works for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateExecution(e model.HuntExecution) error {
	params, err := json.Marshal(e.InitialParameters)
	if err != nil {
		return fmt.Errorf("encode initial parameters: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM executions WHERE id = ?`, e.ID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrExists, e.ID)
	}
	_, err = tx.Exec(`
		INSERT INTO executions (id, hunt_id, hunt_name, case_id, initial_parameters, status, cancel_requested, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.HuntID, e.HuntName, e.CaseID, string(params), string(e.Status), e.CancelRequested,
		e.StartedAt.UnixNano(), nullTime(e.CompletedAt),
	)
	if err != nil {
		return err
	}
	for i, st := range e.Steps {
		var kind, msg sql.NullString
		if st.Error != nil {
			kind = sql.NullString{String: string(st.Error.Kind), Valid: true}
			msg = sql.NullString{String: st.Error.Message, Valid: true}
		}
		_, err := tx.Exec(`
			INSERT INTO steps (execution_id, step_id, position, plugin_name, status, started_at, completed_at, error_kind, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, st.StepID, i, st.PluginName, string(st.Status), nullTime(st.StartedAt), nullTime(st.CompletedAt), kind, msg,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

const executionColumns = `id, hunt_id, hunt_name, case_id, initial_parameters, status, cancel_requested, started_at, completed_at`

func (s *SQLiteStore) GetExecution(id string, includeSteps bool) (model.HuntExecution, bool, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.HuntExecution{}, false, nil
	}
	if err != nil {
		return model.HuntExecution{}, false, err
	}
	if includeSteps {
		if e.Steps, err = s.loadSteps(id); err != nil {
			return model.HuntExecution{}, false, err
		}
	}
	return e, true, nil
}

func (s *SQLiteStore) loadSteps(executionID string) ([]model.StepExecution, error) {
	rows, err := s.db.Query(`
		SELECT step_id, plugin_name, status, started_at, completed_at, error_kind, error_message
		FROM steps WHERE execution_id = ? ORDER BY position`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []model.StepExecution
	index := map[string]int{}
	for rows.Next() {
		var st model.StepExecution
		var status string
		var started, completed sql.NullInt64
		var kind, msg sql.NullString
		if err := rows.Scan(&st.StepID, &st.PluginName, &status, &started, &completed, &kind, &msg); err != nil {
			return nil, err
		}
		st.Status = model.StepStatus(status)
		st.StartedAt = timePtr(started)
		st.CompletedAt = timePtr(completed)
		if kind.Valid {
			st.Error = &model.StepError{Kind: model.ErrorKind(kind.String), Message: msg.String}
		}
		index[st.StepID] = len(steps)
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	events, err := s.EventsSince(executionID, 0)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if i, ok := index[ev.StepID]; ok {
			steps[i].Results = append(steps[i].Results, ev)
		}
	}
	return steps, nil
}

func (s *SQLiteStore) ListByCase(caseID string) ([]model.HuntExecution, error) {
	rows, err := s.db.Query(`SELECT `+executionColumns+` FROM executions WHERE case_id = ? ORDER BY started_at`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.HuntExecution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendResult(executionID, stepID string, ev model.ResultEvent) (model.ResultEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return ev, err
	}
	defer tx.Rollback()

	status, err := stepStatus(tx, executionID, stepID)
	if err != nil {
		return ev, err
	}
	if status != model.StepRunning {
		return ev, fmt.Errorf("%w: %s is %s", ErrStepNotRunning, stepID, status)
	}
	var last int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(sequence), 0) FROM results WHERE execution_id = ?`, executionID).Scan(&last); err != nil {
		return ev, err
	}
	ev.Sequence = last + 1
	ev.ExecutionID = executionID
	ev.StepID = stepID
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	_, err = tx.Exec(`INSERT INTO results (execution_id, sequence, step_id, type, payload, emitted_at) VALUES (?, ?, ?, ?, ?, ?)`,
		executionID, ev.Sequence, stepID, string(ev.Type), string(ev.Payload), ev.EmittedAt.UnixNano())
	if err != nil {
		return ev, err
	}
	return ev, tx.Commit()
}

func (s *SQLiteStore) SetStepStatus(executionID, stepID string, u StepUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := stepStatus(tx, executionID, stepID)
	if err != nil {
		return err
	}
	st := model.StepExecution{StepID: stepID, Status: cur}
	if err := applyStepUpdate(&st, u); err != nil {
		return err
	}
	query := `UPDATE steps SET status = ?`
	args := []interface{}{string(st.Status)}
	if st.Status == model.StepRunning {
		query += `, started_at = ?`
		args = append(args, st.StartedAt.UnixNano())
	}
	if st.Status.IsTerminal() {
		query += `, completed_at = ?`
		args = append(args, st.CompletedAt.UnixNano())
	}
	if st.Error != nil {
		query += `, error_kind = ?, error_message = ?`
		args = append(args, string(st.Error.Kind), st.Error.Message)
	}
	query += ` WHERE execution_id = ? AND step_id = ?`
	args = append(args, executionID, stepID)
	if _, err := tx.Exec(query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetExecutionStatus(executionID string, status model.ExecutionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := executionStatus(tx, executionID)
	if err != nil {
		return err
	}
	if err := checkExecutionTransition(cur, status); err != nil {
		return err
	}
	if status.IsTerminal() {
		_, err = tx.Exec(`UPDATE executions SET status = ?, completed_at = ? WHERE id = ?`, string(status), at.UnixNano(), executionID)
	} else {
		_, err = tx.Exec(`UPDATE executions SET status = ? WHERE id = ?`, string(status), executionID)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) MarkCancelRequested(executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := executionStatus(tx, executionID)
	if err != nil {
		return err
	}
	if cur.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if _, err := tx.Exec(`UPDATE executions SET cancel_requested = 1 WHERE id = ?`, executionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) EventsSince(executionID string, since int64) ([]model.ResultEvent, error) {
	rows, err := s.db.Query(`
		SELECT sequence, step_id, type, payload, emitted_at
		FROM results WHERE execution_id = ? AND sequence > ? ORDER BY sequence`, executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ResultEvent
	for rows.Next() {
		ev := model.ResultEvent{ExecutionID: executionID}
		var typ string
		var payload sql.NullString
		var emitted int64
		if err := rows.Scan(&ev.Sequence, &ev.StepID, &typ, &payload, &emitted); err != nil {
			return nil, err
		}
		ev.Type = model.EventType(typ)
		if payload.Valid && payload.String != "" {
			ev.Payload = json.RawMessage(payload.String)
		}
		ev.EmittedAt = time.Unix(0, emitted).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := executionStatus(s.db, executionID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) DeleteExecution(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := executionStatus(tx, id); err != nil {
		return err
	}
	if err := deleteExecutionTx(tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) PruneFinishedBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM executions WHERE status IN (?, ?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(model.ExecutionCompleted), string(model.ExecutionPartial), string(model.ExecutionFailed), string(model.ExecutionCancelled),
		cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	for _, id := range ids {
		if err := deleteExecutionTx(tx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), tx.Commit()
}

func (s *SQLiteStore) AppendAudit(entry model.AuditEntry) error {
	_, err := s.db.Exec(`INSERT INTO audit (actor, action, execution_id, case_id, detail, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Actor, entry.Action, entry.ExecutionID, entry.CaseID, entry.Detail, entry.Timestamp.UnixNano())
	return err
}

func (s *SQLiteStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = auditLimit
	}
	rows, err := s.db.Query(`SELECT actor, action, execution_id, case_id, detail, ts FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var actor, execID, caseID, detail sql.NullString
		var ts int64
		if err := rows.Scan(&actor, &e.Action, &execID, &caseID, &detail, &ts); err != nil {
			return nil, err
		}
		e.Actor, e.ExecutionID, e.CaseID, e.Detail = actor.String, execID.String, caseID.String, detail.String
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	// oldest first, like the in-memory store
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (model.HuntExecution, error) {
	var e model.HuntExecution
	var huntName sql.NullString
	var params, status string
	var cancelRequested bool
	var started int64
	var completed sql.NullInt64
	if err := row.Scan(&e.ID, &e.HuntID, &huntName, &e.CaseID, &params, &status, &cancelRequested, &started, &completed); err != nil {
		return e, err
	}
	e.HuntName = huntName.String
	e.Status = model.ExecutionStatus(status)
	e.CancelRequested = cancelRequested
	e.StartedAt = time.Unix(0, started).UTC()
	e.CompletedAt = timePtr(completed)
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &e.InitialParameters); err != nil {
			return e, fmt.Errorf("decode initial parameters: %w", err)
		}
	}
	return e, nil
}

func stepStatus(q querier, executionID, stepID string) (model.StepStatus, error) {
	var status string
	err := q.QueryRow(`SELECT status FROM steps WHERE execution_id = ? AND step_id = ?`, executionID, stepID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := executionStatus(q, executionID); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	return model.StepStatus(status), err
}

func executionStatus(q querier, executionID string) (model.ExecutionStatus, error) {
	var status string
	err := q.QueryRow(`SELECT status FROM executions WHERE id = ?`, executionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return model.ExecutionStatus(status), err
}

func deleteExecutionTx(tx *sql.Tx, id string) error {
	for _, q := range []string{
		`DELETE FROM results WHERE execution_id = ?`,
		`DELETE FROM steps WHERE execution_id = ?`,
		`DELETE FROM executions WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
