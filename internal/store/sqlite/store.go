package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crucible/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	settings TEXT NOT NULL,
	metrics TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS features (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	priority TEXT NOT NULL,
	complexity TEXT NOT NULL,
	status TEXT NOT NULL,
	sub_features TEXT NOT NULL,
	estimated_tasks INTEGER NOT NULL DEFAULT 0,
	estimated_minutes INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_features_project ON features(project_id);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	feature_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	size TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	depends_on TEXT NOT NULL,
	assigned_agent_id TEXT NOT NULL DEFAULT '',
	agent_type TEXT NOT NULL DEFAULT '',
	iterations INTEGER NOT NULL DEFAULT 0,
	max_iterations INTEGER NOT NULL DEFAULT 0,
	estimated_minutes INTEGER NOT NULL DEFAULT 0,
	files_touched TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	started_at INTEGER NULL,
	completed_at INTEGER NULL,
	FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_feature ON tasks(feature_id);

CREATE TABLE IF NOT EXISTS iteration_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	iteration INTEGER NOT NULL,
	steps TEXT NOT NULL,
	success INTEGER NOT NULL,
	failure_signature TEXT NOT NULL DEFAULT '',
	files_changed TEXT NOT NULL DEFAULT '[]',
	diff_ref TEXT NOT NULL DEFAULT '',
	agent_summary TEXT NOT NULL DEFAULT '',
	tokens_used INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_iteration_records_task ON iteration_records(task_id, iteration);

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	wave_number INTEGER NOT NULL,
	completed_task_ids TEXT NOT NULL,
	pending_task_ids TEXT NOT NULL,
	coordinator_state TEXT NOT NULL,
	vcs_ref TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_project ON checkpoints(project_id, created_at);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_decision_log_project ON decision_log(project_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateProject(ctx context.Context, p domain.Project) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.Status == "" {
		p.Status = domain.ProjectStatusIdle
	}
	settings, err := json.Marshal(p.Settings)
	if err != nil {
		return fmt.Errorf("marshal project settings: %w", err)
	}
	metrics, err := json.Marshal(p.Metrics)
	if err != nil {
		return fmt.Errorf("marshal project metrics: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO projects(id, name, mode, status, settings, metrics, last_error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Mode), string(p.Status), string(settings), string(metrics),
		p.LastError, p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, mode, status, settings, metrics, last_error, created_at, updated_at
		FROM projects WHERE id = ?`,
		projectID,
	)
	p, err := scanProject(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Project{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return domain.Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, name, mode, status, settings, metrics, last_error, created_at, updated_at
		FROM projects ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return result, nil
}

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var mode, status, settings, metrics string
	var created, updated int64
	if err := scan(&p.ID, &p.Name, &mode, &status, &settings, &metrics, &p.LastError, &created, &updated); err != nil {
		return domain.Project{}, err
	}
	p.Mode = domain.ProjectMode(mode)
	p.Status = domain.ProjectStatus(status)
	if err := json.Unmarshal([]byte(settings), &p.Settings); err != nil {
		return domain.Project{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &p.Metrics); err != nil {
		return domain.Project{}, fmt.Errorf("unmarshal metrics: %w", err)
	}
	p.CreatedAt = unixToTime(created)
	p.UpdatedAt = unixToTime(updated)
	return p, nil
}

func (s *Store) UpdateProjectStatus(ctx context.Context, projectID string, status domain.ProjectStatus, lastError string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC().Unix(), projectID,
	)
	if err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	return nil
}

func (s *Store) UpdateProjectMetrics(ctx context.Context, projectID string, metrics domain.ProjectMetrics) error {
	encoded, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal project metrics: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE projects SET metrics = ?, updated_at = ? WHERE id = ?`,
		string(encoded), time.Now().UTC().Unix(), projectID,
	)
	if err != nil {
		return fmt.Errorf("update project metrics: %w", err)
	}
	return nil
}

func (s *Store) SaveFeature(ctx context.Context, f domain.Feature) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	subs, err := json.Marshal(stringsOrEmpty(f.SubFeatures))
	if err != nil {
		return fmt.Errorf("marshal sub features: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO features(id, project_id, name, priority, complexity, status, sub_features,
			estimated_tasks, estimated_minutes, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			priority = excluded.priority,
			complexity = excluded.complexity,
			status = excluded.status,
			sub_features = excluded.sub_features,
			estimated_tasks = excluded.estimated_tasks,
			estimated_minutes = excluded.estimated_minutes,
			updated_at = excluded.updated_at`,
		f.ID, f.ProjectID, f.Name, string(f.Priority), string(f.Complexity), string(f.Status),
		string(subs), f.EstimatedTasks, f.EstimatedMinutes, f.CreatedAt.Unix(), f.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save feature: %w", err)
	}
	return nil
}

func (s *Store) ListFeatures(ctx context.Context, projectID string) ([]domain.Feature, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, project_id, name, priority, complexity, status, sub_features,
			estimated_tasks, estimated_minutes, created_at, updated_at
		FROM features WHERE project_id = ? ORDER BY created_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Feature, 0)
	for rows.Next() {
		var f domain.Feature
		var priority, complexity, status, subs string
		var created, updated int64
		if err := rows.Scan(
			&f.ID, &f.ProjectID, &f.Name, &priority, &complexity, &status, &subs,
			&f.EstimatedTasks, &f.EstimatedMinutes, &created, &updated,
		); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		f.Priority = domain.FeaturePriority(priority)
		f.Complexity = domain.FeatureComplexity(complexity)
		f.Status = domain.FeatureStatus(status)
		if err := json.Unmarshal([]byte(subs), &f.SubFeatures); err != nil {
			return nil, fmt.Errorf("unmarshal sub features: %w", err)
		}
		f.CreatedAt = unixToTime(created)
		f.UpdatedAt = unixToTime(updated)
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate features: %w", err)
	}
	return result, nil
}

func (s *Store) SaveTask(ctx context.Context, t domain.Task) error {
	return s.saveTask(ctx, s.db.ExecContext, t)
}

// SaveTasks writes a batch in one transaction so a crash cannot leave a
// half-persisted decomposition.
func (s *Store) SaveTasks(ctx context.Context, tasks []domain.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save tasks: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, t := range tasks {
		if err := s.saveTask(ctx, tx.ExecContext, t); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tasks: %w", err)
	}
	return nil
}

type execFunc func(ctx context.Context, query string, args ...any) (sql.Result, error)

func (s *Store) saveTask(ctx context.Context, exec execFunc, t domain.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = domain.TaskStatusPending
	}
	deps, err := json.Marshal(stringsOrEmpty(t.DependsOn))
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	files, err := json.Marshal(stringsOrEmpty(t.FilesTouched))
	if err != nil {
		return fmt.Errorf("marshal files_touched: %w", err)
	}
	_, err = exec(
		ctx,
		`INSERT INTO tasks(id, project_id, feature_id, name, description, type, size, status, priority,
			depends_on, assigned_agent_id, agent_type, iterations, max_iterations, estimated_minutes,
			files_touched, last_error, created_at, updated_at, started_at, completed_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			depends_on = excluded.depends_on,
			assigned_agent_id = excluded.assigned_agent_id,
			agent_type = excluded.agent_type,
			iterations = excluded.iterations,
			max_iterations = excluded.max_iterations,
			estimated_minutes = excluded.estimated_minutes,
			files_touched = excluded.files_touched,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		t.ID, t.ProjectID, t.FeatureID, t.Name, t.Description, string(t.Type), string(t.Size),
		string(t.Status), t.Priority, string(deps), t.AssignedAgentID, string(t.AgentType),
		t.Iterations, t.MaxIterations, t.EstimatedMinutes, string(files), t.LastError,
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(), nullableUnix(t.StartedAt), nullableUnix(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

const taskColumns = `id, project_id, feature_id, name, description, type, size, status, priority,
	depends_on, assigned_agent_id, agent_type, iterations, max_iterations, estimated_minutes,
	files_touched, last_error, created_at, updated_at, started_at, completed_at`

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at ASC, id ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var typ, size, status, agentType, deps, files string
	var created, updated int64
	var started, completed sql.NullInt64
	if err := scan(
		&t.ID, &t.ProjectID, &t.FeatureID, &t.Name, &t.Description, &typ, &size, &status, &t.Priority,
		&deps, &t.AssignedAgentID, &agentType, &t.Iterations, &t.MaxIterations, &t.EstimatedMinutes,
		&files, &t.LastError, &created, &updated, &started, &completed,
	); err != nil {
		return domain.Task{}, err
	}
	t.Type = domain.TaskType(typ)
	t.Size = domain.TaskSize(size)
	t.Status = domain.TaskStatus(status)
	t.AgentType = domain.AgentType(agentType)
	if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
		return domain.Task{}, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &t.FilesTouched); err != nil {
		return domain.Task{}, fmt.Errorf("unmarshal files_touched: %w", err)
	}
	t.CreatedAt = unixToTime(created)
	t.UpdatedAt = unixToTime(updated)
	t.StartedAt = int64ToTimePtr(started)
	t.CompletedAt = int64ToTimePtr(completed)
	return t, nil
}

func (s *Store) AppendIterationRecord(ctx context.Context, rec domain.IterationRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return 0, fmt.Errorf("marshal steps: %w", err)
	}
	files, err := json.Marshal(stringsOrEmpty(rec.FilesChanged))
	if err != nil {
		return 0, fmt.Errorf("marshal files_changed: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO iteration_records(task_id, iteration, steps, success, failure_signature,
			files_changed, diff_ref, agent_summary, tokens_used, duration_ms, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.Iteration, string(steps), boolToInt(rec.Success), rec.FailureSignature,
		string(files), rec.DiffRef, rec.AgentSummary, rec.TokensUsed, rec.Duration.Milliseconds(), rec.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("append iteration record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("iteration record id: %w", err)
	}
	return id, nil
}

func (s *Store) ListIterationRecords(ctx context.Context, taskID string) ([]domain.IterationRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, iteration, steps, success, failure_signature, files_changed,
			diff_ref, agent_summary, tokens_used, duration_ms, created_at
		FROM iteration_records WHERE task_id = ? ORDER BY iteration ASC, id ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list iteration records: %w", err)
	}
	defer rows.Close()

	result := make([]domain.IterationRecord, 0)
	for rows.Next() {
		var rec domain.IterationRecord
		var steps, files string
		var success int
		var durationMS, created int64
		if err := rows.Scan(
			&rec.ID, &rec.TaskID, &rec.Iteration, &steps, &success, &rec.FailureSignature,
			&files, &rec.DiffRef, &rec.AgentSummary, &rec.TokensUsed, &durationMS, &created,
		); err != nil {
			return nil, fmt.Errorf("scan iteration record: %w", err)
		}
		if err := json.Unmarshal([]byte(steps), &rec.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		if err := json.Unmarshal([]byte(files), &rec.FilesChanged); err != nil {
			return nil, fmt.Errorf("unmarshal files_changed: %w", err)
		}
		rec.Success = success != 0
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.CreatedAt = unixToTime(created)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate iteration records: %w", err)
	}
	return result, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	completed, err := json.Marshal(stringsOrEmpty(cp.CompletedTaskIDs))
	if err != nil {
		return fmt.Errorf("marshal completed task ids: %w", err)
	}
	pending, err := json.Marshal(stringsOrEmpty(cp.PendingTaskIDs))
	if err != nil {
		return fmt.Errorf("marshal pending task ids: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO checkpoints(id, project_id, wave_number, completed_task_ids, pending_task_ids,
			coordinator_state, vcs_ref, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ProjectID, cp.WaveNumber, string(completed), string(pending),
		string(cp.CoordinatorState), cp.VCSRef, cp.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, projectID string) (domain.Checkpoint, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, project_id, wave_number, completed_task_ids, pending_task_ids,
			coordinator_state, vcs_ref, created_at
		FROM checkpoints WHERE project_id = ?
		ORDER BY created_at DESC, wave_number DESC LIMIT 1`,
		projectID,
	)
	cp, err := scanCheckpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint for project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, projectID string) ([]domain.Checkpoint, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, project_id, wave_number, completed_task_ids, pending_task_ids,
			coordinator_state, vcs_ref, created_at
		FROM checkpoints WHERE project_id = ? ORDER BY created_at DESC, wave_number DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Checkpoint, 0)
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		result = append(result, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return result, nil
}

// PruneCheckpoints deletes all but the newest keep checkpoints for the
// project.
func (s *Store) PruneCheckpoints(ctx context.Context, projectID string, keep int) (int64, error) {
	if keep <= 0 {
		keep = 1
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM checkpoints WHERE project_id = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE project_id = ?
			ORDER BY created_at DESC, wave_number DESC LIMIT ?
		)`,
		projectID, projectID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints rows: %w", err)
	}
	return n, nil
}

func scanCheckpoint(scan func(dest ...any) error) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var completed, pending, state string
	var created int64
	if err := scan(&cp.ID, &cp.ProjectID, &cp.WaveNumber, &completed, &pending, &state, &cp.VCSRef, &created); err != nil {
		return domain.Checkpoint{}, err
	}
	if err := json.Unmarshal([]byte(completed), &cp.CompletedTaskIDs); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("unmarshal completed task ids: %w", err)
	}
	if err := json.Unmarshal([]byte(pending), &cp.PendingTaskIDs); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("unmarshal pending task ids: %w", err)
	}
	cp.CoordinatorState = domain.ProjectStatus(state)
	cp.CreatedAt = unixToTime(created)
	return cp, nil
}

func (s *Store) AppendDecision(ctx context.Context, d domain.DecisionLog) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	payload := string(d.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(project_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		d.ProjectID, d.Actor, d.Action, d.Reason, payload, d.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, projectID string) ([]domain.DecisionLog, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, project_id, actor, action, reason, payload, created_at
		FROM decision_log WHERE project_id = ? ORDER BY created_at ASC, id ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var d domain.DecisionLog
		var payload string
		var created int64
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Actor, &d.Action, &d.Reason, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Payload = []byte(payload)
		d.CreatedAt = unixToTime(created)
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func stringsOrEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := unixToTime(v.Int64)
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
