package store

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    hunt_id TEXT NOT NULL,
    hunt_name TEXT,
    case_id TEXT NOT NULL,
    initial_parameters TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_executions_case ON executions(case_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

CREATE TABLE IF NOT EXISTS steps (
    execution_id TEXT NOT NULL REFERENCES executions(id),
    step_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    plugin_name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    started_at INTEGER,
    completed_at INTEGER,
    error_kind TEXT,
    error_message TEXT,
    PRIMARY KEY (execution_id, step_id)
);

CREATE TABLE IF NOT EXISTS results (
    execution_id TEXT NOT NULL REFERENCES executions(id),
    sequence INTEGER NOT NULL,
    step_id TEXT NOT NULL,
    type TEXT NOT NULL,
    payload TEXT,
    emitted_at INTEGER NOT NULL,
    PRIMARY KEY (execution_id, sequence)
);

CREATE TABLE IF NOT EXISTS audit (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    actor TEXT,
    action TEXT NOT NULL,
    execution_id TEXT,
    case_id TEXT,
    detail TEXT,
    ts INTEGER NOT NULL
);
`
