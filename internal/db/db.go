// Package db handles database operations for Foreman
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloud-shuttle/foreman/pkg/types"
	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// Store manages database operations
type Store struct {
	DB *sql.DB
}

// UnitCounts summarizes the units of a task (or the whole project)
type UnitCounts struct {
	Total      int
	Pending    int
	Ready      int
	Claimed    int
	Executing  int
	Verifying  int
	Replanning int
	Integrated int
	Merged     int
	Rejected   int
	Cancelled  int
}

// Done reports whether every unit has reached a terminal state
func (c *UnitCounts) Done() bool {
	return c.Total > 0 && c.Merged+c.Rejected+c.Cancelled == c.Total
}

// Open opens a SQLite database at the given path
func Open(path string) (*Store, error) {
	// Accept sqlite:// URLs from config
	path = strings.TrimPrefix(path, "sqlite://")

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Set busy timeout to handle lock contention gracefully
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// InitSchema creates the database schema
func (s *Store) InitSchema() error {
	schema := `
	-- Tasks are the top-level requests a plan decomposes
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		hints TEXT,
		strategy TEXT,
		rationale TEXT,
		status TEXT DEFAULT 'open',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Work units are the schedulable items of a decomposed task
	CREATE TABLE IF NOT EXISTS work_units (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		seq INTEGER DEFAULT 0,
		title TEXT NOT NULL,
		description TEXT,
		files TEXT,
		estimate TEXT,
		deps_profile TEXT,
		testing_profile TEXT,
		integration_profile TEXT,
		uncertainty_profile TEXT,
		score TEXT,
		ownership TEXT DEFAULT 'exclusive',
		workspace_id TEXT,
		status TEXT DEFAULT 'pending',
		attempts INTEGER DEFAULT 0,
		max_attempts INTEGER DEFAULT 3,
		last_error TEXT,
		claimed_by TEXT,
		claimed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	-- Prerequisite edges form the unit DAG
	CREATE TABLE IF NOT EXISTS unit_prereqs (
		unit_id TEXT NOT NULL,
		requires TEXT NOT NULL,
		PRIMARY KEY (unit_id, requires),
		FOREIGN KEY (unit_id) REFERENCES work_units(id) ON DELETE CASCADE,
		FOREIGN KEY (requires) REFERENCES work_units(id) ON DELETE CASCADE
	);

	-- File ownership claims, released when the owning unit finishes
	CREATE TABLE IF NOT EXISTS claims (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		pattern TEXT NOT NULL,
		mode TEXT DEFAULT 'exclusive',
		origin TEXT DEFAULT 'declared',
		created_at INTEGER NOT NULL,
		released_at INTEGER,
		FOREIGN KEY (unit_id) REFERENCES work_units(id) ON DELETE CASCADE
	);

	-- Detected claim overlaps between unit pairs
	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		unit_a TEXT NOT NULL,
		unit_b TEXT NOT NULL,
		paths TEXT,
		origin TEXT DEFAULT 'static',
		detected_at INTEGER NOT NULL
	);

	-- Workspaces track isolated execution contexts for cleanup
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		branch TEXT,
		owner TEXT NOT NULL,
		shared INTEGER DEFAULT 0,
		state TEXT DEFAULT 'provisioned',
		disk_size INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL
	);

	-- Every gate attempt, pass or fail, in order
	CREATE TABLE IF NOT EXISTS gate_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		unit_id TEXT NOT NULL,
		gate TEXT NOT NULL,
		verdict TEXT NOT NULL,
		issues TEXT,
		attempt INTEGER DEFAULT 1,
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (unit_id) REFERENCES work_units(id) ON DELETE CASCADE
	);

	-- Go/no-go decisions from the authorization boundary
	CREATE TABLE IF NOT EXISTS approvals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		unit_id TEXT NOT NULL,
		approved INTEGER NOT NULL,
		actor TEXT,
		reason TEXT,
		created_at INTEGER NOT NULL
	);

	-- Lifecycle event log
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT,
		unit_id TEXT,
		kind TEXT NOT NULL,
		message TEXT,
		created_at INTEGER NOT NULL
	);

	-- Integration reports, one row per completed run
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_units_status ON work_units(status);
	CREATE INDEX IF NOT EXISTS idx_units_task ON work_units(task_id);
	CREATE INDEX IF NOT EXISTS idx_units_task_seq ON work_units(task_id, seq);
	CREATE INDEX IF NOT EXISTS idx_prereqs_requires ON unit_prereqs(requires);
	CREATE INDEX IF NOT EXISTS idx_claims_unit ON claims(unit_id);
	CREATE INDEX IF NOT EXISTS idx_conflicts_pair ON conflicts(unit_a, unit_b);
	CREATE INDEX IF NOT EXISTS idx_gate_results_unit ON gate_results(unit_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_unit ON approvals(unit_id);
	CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
	CREATE INDEX IF NOT EXISTS idx_events_unit ON events(unit_id);
	CREATE INDEX IF NOT EXISTS idx_workspaces_state ON workspaces(state);
	CREATE INDEX IF NOT EXISTS idx_reports_task ON reports(task_id, created_at);
	`

	_, err := s.DB.Exec(schema)
	return err
}

// generateID generates a unique ID with the given prefix
func generateID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// ---- tasks ----

// CreateTask creates a new task in open state
func (s *Store) CreateTask(title, description string, hints []string) (*types.Task, error) {
	now := time.Now().Unix()
	task := &types.Task{
		ID:          generateID("task"),
		Title:       title,
		Description: description,
		Hints:       hints,
		Status:      types.TaskStatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	hintsJSON, err := json.Marshal(hints)
	if err != nil {
		return nil, fmt.Errorf("encoding hints: %w", err)
	}

	_, err = s.DB.Exec(`
		INSERT INTO tasks (id, title, description, hints, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Title, task.Description, string(hintsJSON), task.Status, now, now)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	return task, nil
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(taskID string) (*types.Task, error) {
	var task types.Task
	var hintsJSON string

	err := s.DB.QueryRow(`
		SELECT id, title, COALESCE(description, ''), COALESCE(hints, '[]'),
		       COALESCE(strategy, ''), COALESCE(rationale, ''), status,
		       created_at, updated_at
		FROM tasks
		WHERE id = ?
	`, taskID).Scan(
		&task.ID, &task.Title, &task.Description, &hintsJSON,
		&task.Strategy, &task.Rationale, &task.Status,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(hintsJSON), &task.Hints); err != nil {
		return nil, fmt.Errorf("decoding hints for task %s: %w", taskID, err)
	}

	return &task, nil
}

// ListTasks returns all tasks ordered by creation time
func (s *Store) ListTasks() ([]*types.Task, error) {
	rows, err := s.DB.Query(`
		SELECT id, title, COALESCE(description, ''), COALESCE(hints, '[]'),
		       COALESCE(strategy, ''), COALESCE(rationale, ''), status,
		       created_at, updated_at
		FROM tasks
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		var task types.Task
		var hintsJSON string
		if err := rows.Scan(
			&task.ID, &task.Title, &task.Description, &hintsJSON,
			&task.Strategy, &task.Rationale, &task.Status,
			&task.CreatedAt, &task.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		if err := json.Unmarshal([]byte(hintsJSON), &task.Hints); err != nil {
			return nil, fmt.Errorf("decoding hints for task %s: %w", task.ID, err)
		}
		tasks = append(tasks, &task)
	}

	return tasks, rows.Err()
}

// UpdateTaskStatus updates a task's status
func (s *Store) UpdateTaskStatus(taskID string, status types.TaskStatus) error {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`
		UPDATE tasks
		SET status = ?, updated_at = ?
		WHERE id = ?
	`, status, now, taskID)
	return err
}

// SetTaskStrategy records the selected strategy and its rationale
func (s *Store) SetTaskStrategy(taskID string, decision types.StrategyDecision) error {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`
		UPDATE tasks
		SET strategy = ?, rationale = ?, updated_at = ?
		WHERE id = ?
	`, decision.Strategy, decision.Rationale, now, taskID)
	if err != nil {
		return fmt.Errorf("setting strategy for task %s: %w", taskID, err)
	}
	return nil
}

// ---- work units ----

// unitColumns is the select list shared by every unit query
const unitColumns = `id, task_id, title, COALESCE(description, ''),
	COALESCE(files, '[]'), COALESCE(estimate, '{}'),
	COALESCE(deps_profile, '{}'), COALESCE(testing_profile, '{}'),
	COALESCE(integration_profile, '{}'), COALESCE(uncertainty_profile, '{}'),
	COALESCE(score, ''), ownership, COALESCE(workspace_id, ''),
	status, attempts, max_attempts, COALESCE(last_error, ''),
	COALESCE(claimed_by, ''), COALESCE(claimed_at, 0),
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUnit(row rowScanner) (*types.WorkUnit, error) {
	var unit types.WorkUnit
	var filesJSON, estimateJSON string
	var depsJSON, testingJSON, integrationJSON, uncertaintyJSON string
	var scoreJSON string
	var claimedAt int64

	err := row.Scan(
		&unit.ID, &unit.TaskID, &unit.Title, &unit.Description,
		&filesJSON, &estimateJSON,
		&depsJSON, &testingJSON, &integrationJSON, &uncertaintyJSON,
		&scoreJSON, &unit.Ownership, &unit.WorkspaceID,
		&unit.Status, &unit.Attempts, &unit.MaxAttempts, &unit.LastError,
		&unit.ClaimedBy, &claimedAt,
		&unit.CreatedAt, &unit.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(filesJSON), &unit.Files); err != nil {
		return nil, fmt.Errorf("decoding files for unit %s: %w", unit.ID, err)
	}
	if err := json.Unmarshal([]byte(estimateJSON), &unit.Estimate); err != nil {
		return nil, fmt.Errorf("decoding estimate for unit %s: %w", unit.ID, err)
	}
	if err := json.Unmarshal([]byte(depsJSON), &unit.Deps); err != nil {
		return nil, fmt.Errorf("decoding dependency profile for unit %s: %w", unit.ID, err)
	}
	if err := json.Unmarshal([]byte(testingJSON), &unit.Testing); err != nil {
		return nil, fmt.Errorf("decoding testing profile for unit %s: %w", unit.ID, err)
	}
	if err := json.Unmarshal([]byte(integrationJSON), &unit.Integration); err != nil {
		return nil, fmt.Errorf("decoding integration profile for unit %s: %w", unit.ID, err)
	}
	if err := json.Unmarshal([]byte(uncertaintyJSON), &unit.Uncertainty); err != nil {
		return nil, fmt.Errorf("decoding uncertainty profile for unit %s: %w", unit.ID, err)
	}
	if scoreJSON != "" {
		var score types.ComplexityScore
		if err := json.Unmarshal([]byte(scoreJSON), &score); err != nil {
			return nil, fmt.Errorf("decoding score for unit %s: %w", unit.ID, err)
		}
		unit.Score = &score
	}
	if claimedAt > 0 {
		unit.ClaimedAt = &claimedAt
	}

	return &unit, nil
}

// SaveUnits persists a decomposed plan's units and their prerequisite edges
// in one transaction. Units with no prerequisites start ready, the rest pending.
func (s *Store) SaveUnits(units []*types.WorkUnit) error {
	if len(units) == 0 {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for i, unit := range units {
		filesJSON, err := json.Marshal(unit.Files)
		if err != nil {
			return fmt.Errorf("encoding files for unit %s: %w", unit.ID, err)
		}
		estimateJSON, err := json.Marshal(unit.Estimate)
		if err != nil {
			return fmt.Errorf("encoding estimate for unit %s: %w", unit.ID, err)
		}
		depsJSON, _ := json.Marshal(unit.Deps)
		testingJSON, _ := json.Marshal(unit.Testing)
		integrationJSON, _ := json.Marshal(unit.Integration)
		uncertaintyJSON, _ := json.Marshal(unit.Uncertainty)

		var scoreJSON interface{}
		if unit.Score != nil {
			data, err := json.Marshal(unit.Score)
			if err != nil {
				return fmt.Errorf("encoding score for unit %s: %w", unit.ID, err)
			}
			scoreJSON = string(data)
		}

		status := unit.Status
		if status == "" {
			if len(unit.Prereqs) == 0 {
				status = types.UnitStatusReady
			} else {
				status = types.UnitStatusPending
			}
		}
		unit.Status = status

		ownership := unit.Ownership
		if ownership == "" {
			ownership = types.OwnershipExclusive
		}

		maxAttempts := unit.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = 3
		}

		unit.CreatedAt = now
		unit.UpdatedAt = now

		_, err = tx.Exec(`
			INSERT INTO work_units (
				id, task_id, seq, title, description,
				files, estimate,
				deps_profile, testing_profile, integration_profile, uncertainty_profile,
				score, ownership, status, max_attempts, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, unit.ID, unit.TaskID, i, unit.Title, unit.Description,
			string(filesJSON), string(estimateJSON),
			string(depsJSON), string(testingJSON), string(integrationJSON), string(uncertaintyJSON),
			scoreJSON, ownership, status, maxAttempts, now, now)
		if err != nil {
			return fmt.Errorf("inserting unit %s: %w", unit.ID, err)
		}
	}

	// Edges go in after all units so foreign keys resolve
	for _, unit := range units {
		for _, prereq := range unit.Prereqs {
			_, err := tx.Exec(`
				INSERT INTO unit_prereqs (unit_id, requires) VALUES (?, ?)
			`, unit.ID, prereq)
			if err != nil {
				return fmt.Errorf("inserting prerequisite %s -> %s: %w", unit.ID, prereq, err)
			}
		}
	}

	return tx.Commit()
}

// GetUnit retrieves a unit by ID, prerequisites included
func (s *Store) GetUnit(unitID string) (*types.WorkUnit, error) {
	row := s.DB.QueryRow(`SELECT `+unitColumns+` FROM work_units WHERE id = ?`, unitID)
	unit, err := scanUnit(row)
	if err != nil {
		return nil, err
	}

	unit.Prereqs, err = s.GetPrereqs(unitID)
	if err != nil {
		return nil, err
	}

	return unit, nil
}

// ListUnits returns a task's units in plan order.
// If taskID is empty, returns all units.
func (s *Store) ListUnits(taskID string) ([]*types.WorkUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM work_units ORDER BY task_id, seq ASC`
	args := []interface{}{}
	if taskID != "" {
		query = `SELECT ` + unitColumns + ` FROM work_units WHERE task_id = ? ORDER BY seq ASC`
		args = append(args, taskID)
	}

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing units: %w", err)
	}
	defer rows.Close()

	var units []*types.WorkUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return units, s.loadPrereqs(units)
}

// ListUnitsByStatus returns all units in the given status, in plan order
func (s *Store) ListUnitsByStatus(status types.UnitStatus) ([]*types.WorkUnit, error) {
	rows, err := s.DB.Query(`
		SELECT `+unitColumns+` FROM work_units WHERE status = ? ORDER BY task_id, seq ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("listing units by status: %w", err)
	}
	defer rows.Close()

	var units []*types.WorkUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return units, s.loadPrereqs(units)
}

// loadPrereqs fills Prereqs for a batch of units with one query
func (s *Store) loadPrereqs(units []*types.WorkUnit) error {
	if len(units) == 0 {
		return nil
	}

	placeholders := make([]string, len(units))
	args := make([]interface{}, len(units))
	byID := make(map[string]*types.WorkUnit, len(units))
	for i, unit := range units {
		placeholders[i] = "?"
		args[i] = unit.ID
		byID[unit.ID] = unit
	}

	query := fmt.Sprintf(`
		SELECT unit_id, requires FROM unit_prereqs
		WHERE unit_id IN (%s)
		ORDER BY requires ASC
	`, strings.Join(placeholders, ", "))

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return fmt.Errorf("loading prerequisites: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var unitID, requires string
		if err := rows.Scan(&unitID, &requires); err != nil {
			return err
		}
		if unit, ok := byID[unitID]; ok {
			unit.Prereqs = append(unit.Prereqs, requires)
		}
	}
	return rows.Err()
}

// ClaimUnit attempts to atomically claim a ready unit from any task
func (s *Store) ClaimUnit(workerID string) (*types.WorkUnit, error) {
	return s.ClaimUnitForTask(workerID, "")
}

// ClaimUnitForTask attempts to atomically claim a ready unit, optionally
// filtered by task.
//
// Uses UPDATE with ORDER BY and LIMIT to atomically find and claim a unit
// in a single operation, avoiding race conditions between SELECT and UPDATE.
func (s *Store) ClaimUnitForTask(workerID, taskID string) (*types.WorkUnit, error) {
	tx, err := s.DB.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	var unit *types.WorkUnit
	if taskID != "" {
		row := tx.QueryRow(`
			UPDATE work_units
			SET status = 'claimed',
			    claimed_by = ?,
			    claimed_at = ?,
			    updated_at = ?
			WHERE id = (
				SELECT id FROM work_units
				WHERE status = 'ready' AND task_id = ?
				ORDER BY seq ASC, created_at ASC
				LIMIT 1
			)
			RETURNING `+unitColumns+`
		`, workerID, now, now, taskID)
		unit, err = scanUnit(row)
	} else {
		row := tx.QueryRow(`
			UPDATE work_units
			SET status = 'claimed',
			    claimed_by = ?,
			    claimed_at = ?,
			    updated_at = ?
			WHERE id = (
				SELECT id FROM work_units
				WHERE status = 'ready'
				ORDER BY created_at ASC, seq ASC
				LIMIT 1
			)
			RETURNING `+unitColumns+`
		`, workerID, now, now)
		unit, err = scanUnit(row)
	}

	if err == sql.ErrNoRows {
		// No units were claimed - either no ready units exist, or another worker
		// claimed the last ready unit between our subquery read and the UPDATE.
		// Either way, returning nil is the correct behavior.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming unit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	unit.Prereqs, err = s.GetPrereqs(unit.ID)
	if err != nil {
		return nil, err
	}

	return unit, nil
}

// UpdateUnitStatus updates a unit's status and last error
func (s *Store) UpdateUnitStatus(unitID string, status types.UnitStatus, lastError string) error {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`
		UPDATE work_units
		SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, status, lastError, now, unitID)
	return err
}

// ReleaseUnit returns a claimed unit to the given status and clears its claim.
// Used when an ownership conflict pulls a unit back for re-planning.
func (s *Store) ReleaseUnit(unitID string, status types.UnitStatus) error {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`
		UPDATE work_units
		SET status = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ?
	`, status, now, unitID)
	return err
}

// IncrementUnitAttempts increments the attempt counter for a unit
func (s *Store) IncrementUnitAttempts(unitID string) error {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`
		UPDATE work_units
		SET attempts = attempts + 1, updated_at = ?
		WHERE id = ?
	`, now, unitID)
	return err
}

// SetUnitScore stores a unit's complexity score
func (s *Store) SetUnitScore(unitID string, score *types.ComplexityScore) error {
	data, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("encoding score: %w", err)
	}

	now := time.Now().Unix()
	_, err = s.DB.Exec(`
		UPDATE work_units
		SET score = ?, updated_at = ?
		WHERE id = ?
	`, string(data), now, unitID)
	return err
}

// SetUnitWorkspace records which workspace a unit executes in
func (s *Store) SetUnitWorkspace(unitID, workspaceID string) error {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`
		UPDATE work_units
		SET workspace_id = ?, updated_at = ?
		WHERE id = ?
	`, workspaceID, now, unitID)
	return err
}

// CompleteUnitMerge marks a unit merged and flips dependents whose
// prerequisites are now all merged from pending to ready
func (s *Store) CompleteUnitMerge(unitID string) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Mark as merged
	now := time.Now().Unix()
	_, err = tx.Exec(`
		UPDATE work_units
		SET status = 'merged', claimed_by = NULL, updated_at = ?
		WHERE id = ?
	`, now, unitID)
	if err != nil {
		return err
	}

	// Find units waiting on this one
	rows, err := tx.Query(`
		SELECT up.unit_id
		FROM unit_prereqs up
		WHERE up.requires = ?
	`, unitID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var dependentIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		dependentIDs = append(dependentIDs, id)
	}

	// For each dependent, check if all prerequisites are merged
	for _, depID := range dependentIDs {
		var remainingCount int
		err = tx.QueryRow(`
			SELECT COUNT(*)
			FROM unit_prereqs up
			JOIN work_units wu ON up.requires = wu.id
			WHERE up.unit_id = ? AND wu.status != 'merged'
		`, depID).Scan(&remainingCount)
		if err != nil {
			continue
		}

		// Only pending units become ready; cancelled ones stay cancelled
		if remainingCount == 0 {
			_, err = tx.Exec(`
				UPDATE work_units
				SET status = 'ready', updated_at = ?
				WHERE id = ? AND status = 'pending'
			`, now, depID)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// RejectUnit marks a unit terminally rejected and cancels its dependent
// subgraph. Returns the IDs of the units that were cancelled.
func (s *Store) RejectUnit(unitID, reason string) ([]string, error) {
	tx, err := s.DB.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	_, err = tx.Exec(`
		UPDATE work_units
		SET status = 'rejected', last_error = ?, claimed_by = NULL, updated_at = ?
		WHERE id = ?
	`, reason, now, unitID)
	if err != nil {
		return nil, fmt.Errorf("rejecting unit %s: %w", unitID, err)
	}

	// Walk the dependent subgraph breadth-first; already-terminal units keep
	// their state
	var cancelled []string
	queue := []string{unitID}
	seen := map[string]bool{unitID: true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		rows, err := tx.Query(`
			SELECT unit_id FROM unit_prereqs WHERE requires = ?
		`, current)
		if err != nil {
			return nil, err
		}
		var dependents []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				continue
			}
			dependents = append(dependents, id)
		}
		rows.Close()

		for _, depID := range dependents {
			if seen[depID] {
				continue
			}
			seen[depID] = true

			res, err := tx.Exec(`
				UPDATE work_units
				SET status = 'cancelled', last_error = ?, claimed_by = NULL, updated_at = ?
				WHERE id = ? AND status NOT IN ('merged', 'rejected', 'cancelled')
			`, fmt.Sprintf("prerequisite %s rejected", unitID), now, depID)
			if err != nil {
				return nil, err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				cancelled = append(cancelled, depID)
			}
			queue = append(queue, depID)
		}
	}

	return cancelled, tx.Commit()
}

// GetPrereqs returns the IDs of the units this unit requires
func (s *Store) GetPrereqs(unitID string) ([]string, error) {
	rows, err := s.DB.Query(`
		SELECT requires FROM unit_prereqs WHERE unit_id = ? ORDER BY requires ASC
	`, unitID)
	if err != nil {
		return nil, fmt.Errorf("getting prerequisites: %w", err)
	}
	defer rows.Close()

	var prereqs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		prereqs = append(prereqs, id)
	}
	return prereqs, rows.Err()
}

// GetDependents returns the IDs of the units that require this unit
func (s *Store) GetDependents(unitID string) ([]string, error) {
	rows, err := s.DB.Query(`
		SELECT unit_id FROM unit_prereqs WHERE requires = ? ORDER BY unit_id ASC
	`, unitID)
	if err != nil {
		return nil, fmt.Errorf("getting dependents: %w", err)
	}
	defer rows.Close()

	var dependents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dependents = append(dependents, id)
	}
	return dependents, rows.Err()
}

// MarkReadyUnits flips pending units whose prerequisites are all merged to
// ready. If taskID is empty, sweeps every task. Returns the number flipped.
func (s *Store) MarkReadyUnits(taskID string) (int, error) {
	now := time.Now().Unix()

	query := `
		UPDATE work_units
		SET status = 'ready', updated_at = ?
		WHERE status = 'pending' AND NOT EXISTS (
			SELECT 1 FROM unit_prereqs up
			JOIN work_units req ON up.requires = req.id
			WHERE up.unit_id = work_units.id AND req.status != 'merged'
		)
	`
	args := []interface{}{now}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}

	result, err := s.DB.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("marking ready units: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting affected rows: %w", err)
	}
	return int(rowsAffected), nil
}

// ResetUnits resets units with given statuses back to pending, then flips
// the eligible ones to ready. Returns the number of units reset.
func (s *Store) ResetUnits(statusesToReset []types.UnitStatus) (int, error) {
	now := time.Now().Unix()

	// Build placeholder list for SQL IN clause
	placeholders := make([]string, len(statusesToReset))
	args := make([]interface{}, len(statusesToReset)+1)
	args[0] = now
	for i, status := range statusesToReset {
		placeholders[i] = "?"
		args[i+1] = string(status)
	}

	query := fmt.Sprintf(`
		UPDATE work_units
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL,
		    attempts = 0, last_error = NULL, updated_at = ?
		WHERE status IN (%s)
	`, strings.Join(placeholders, ", "))

	result, err := s.DB.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("resetting units: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting affected rows: %w", err)
	}

	if _, err := s.MarkReadyUnits(""); err != nil {
		return 0, err
	}
	return int(rowsAffected), nil
}

// GetUnitCounts summarizes unit statuses for a task, or for every task when
// taskID is empty
func (s *Store) GetUnitCounts(taskID string) (*UnitCounts, error) {
	query := `SELECT status, COUNT(*) FROM work_units GROUP BY status`
	args := []interface{}{}
	if taskID != "" {
		query = `SELECT status, COUNT(*) FROM work_units WHERE task_id = ? GROUP BY status`
		args = append(args, taskID)
	}

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting units: %w", err)
	}
	defer rows.Close()

	counts := &UnitCounts{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}

		counts.Total += count
		switch types.UnitStatus(status) {
		case types.UnitStatusPending:
			counts.Pending = count
		case types.UnitStatusReady:
			counts.Ready = count
		case types.UnitStatusClaimed:
			counts.Claimed = count
		case types.UnitStatusExecuting:
			counts.Executing = count
		case types.UnitStatusVerifying:
			counts.Verifying = count
		case types.UnitStatusReplanning:
			counts.Replanning = count
		case types.UnitStatusIntegrated:
			counts.Integrated = count
		case types.UnitStatusMerged:
			counts.Merged = count
		case types.UnitStatusRejected:
			counts.Rejected = count
		case types.UnitStatusCancelled:
			counts.Cancelled = count
		}
	}

	return counts, rows.Err()
}

// ---- claims ----

// AddClaims records file ownership claims for their units
func (s *Store) AddClaims(claims []types.FileOwnershipClaim) error {
	if len(claims) == 0 {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, claim := range claims {
		id := claim.ID
		if id == "" {
			id = uuid.New().String()
		}
		createdAt := claim.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		_, err := tx.Exec(`
			INSERT INTO claims (id, unit_id, pattern, mode, origin, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, claim.UnitID, claim.Pattern, claim.Mode, claim.Origin, createdAt)
		if err != nil {
			return fmt.Errorf("inserting claim on %s for unit %s: %w", claim.Pattern, claim.UnitID, err)
		}
	}

	return tx.Commit()
}

// ListActiveClaims returns all unreleased claims
func (s *Store) ListActiveClaims() ([]types.FileOwnershipClaim, error) {
	rows, err := s.DB.Query(`
		SELECT id, unit_id, pattern, mode, origin, created_at
		FROM claims
		WHERE released_at IS NULL
		ORDER BY unit_id ASC, pattern ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing claims: %w", err)
	}
	defer rows.Close()

	var claims []types.FileOwnershipClaim
	for rows.Next() {
		var claim types.FileOwnershipClaim
		if err := rows.Scan(&claim.ID, &claim.UnitID, &claim.Pattern,
			&claim.Mode, &claim.Origin, &claim.CreatedAt); err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

// ListClaimsForUnit returns a unit's unreleased claims
func (s *Store) ListClaimsForUnit(unitID string) ([]types.FileOwnershipClaim, error) {
	rows, err := s.DB.Query(`
		SELECT id, unit_id, pattern, mode, origin, created_at
		FROM claims
		WHERE unit_id = ? AND released_at IS NULL
		ORDER BY pattern ASC
	`, unitID)
	if err != nil {
		return nil, fmt.Errorf("listing claims for unit %s: %w", unitID, err)
	}
	defer rows.Close()

	var claims []types.FileOwnershipClaim
	for rows.Next() {
		var claim types.FileOwnershipClaim
		if err := rows.Scan(&claim.ID, &claim.UnitID, &claim.Pattern,
			&claim.Mode, &claim.Origin, &claim.CreatedAt); err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

// ReleaseClaims releases every active claim held by a unit
func (s *Store) ReleaseClaims(unitID string) error {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`
		UPDATE claims
		SET released_at = ?
		WHERE unit_id = ? AND released_at IS NULL
	`, now, unitID)
	if err != nil {
		return fmt.Errorf("releasing claims for unit %s: %w", unitID, err)
	}
	return nil
}

// ---- conflicts ----

// SaveConflicts records detected claim overlaps
func (s *Store) SaveConflicts(conflicts []types.Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, conflict := range conflicts {
		id := conflict.ID
		if id == "" {
			id = uuid.New().String()
		}
		pathsJSON, err := json.Marshal(conflict.Paths)
		if err != nil {
			return fmt.Errorf("encoding conflict paths: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO conflicts (id, unit_a, unit_b, paths, origin, detected_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, conflict.UnitA, conflict.UnitB, string(pathsJSON), conflict.Origin, conflict.DetectedAt)
		if err != nil {
			return fmt.Errorf("inserting conflict %s/%s: %w", conflict.UnitA, conflict.UnitB, err)
		}
	}

	return tx.Commit()
}

// ListConflicts returns all recorded conflicts in detection order
func (s *Store) ListConflicts() ([]types.Conflict, error) {
	rows, err := s.DB.Query(`
		SELECT id, unit_a, unit_b, COALESCE(paths, '[]'), origin, detected_at
		FROM conflicts
		ORDER BY detected_at ASC, unit_a ASC, unit_b ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []types.Conflict
	for rows.Next() {
		var conflict types.Conflict
		var pathsJSON string
		if err := rows.Scan(&conflict.ID, &conflict.UnitA, &conflict.UnitB,
			&pathsJSON, &conflict.Origin, &conflict.DetectedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(pathsJSON), &conflict.Paths); err != nil {
			return nil, fmt.Errorf("decoding conflict paths: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, rows.Err()
}

// ---- workspaces ----

// WorkspaceInfo is a workspace record plus its cleanup bookkeeping
type WorkspaceInfo struct {
	ID         string
	Path       string
	Branch     string
	Owner      string
	Shared     bool
	State      types.WorkspaceState
	DiskSize   int64
	CreatedAt  int64
	UpdatedAt  int64
	LastUsedAt int64
}

// CreateWorkspace records a newly provisioned workspace
func (s *Store) CreateWorkspace(ws *types.Workspace) error {
	now := time.Now().Unix()
	if ws.CreatedAt == 0 {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now
	if ws.State == "" {
		ws.State = types.WorkspaceProvisioned
	}

	_, err := s.DB.Exec(`
		INSERT INTO workspaces (id, path, branch, owner, shared, state, created_at, updated_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ws.ID, ws.Path, ws.Branch, ws.Owner, ws.Shared, ws.State, ws.CreatedAt, ws.UpdatedAt, now)
	if err != nil {
		return fmt.Errorf("creating workspace record: %w", err)
	}
	return nil
}

// GetWorkspace retrieves a workspace record by ID
func (s *Store) GetWorkspace(id string) (*types.Workspace, error) {
	var ws types.Workspace
	err := s.DB.QueryRow(`
		SELECT id, path, COALESCE(branch, ''), owner, shared, state, created_at, updated_at
		FROM workspaces
		WHERE id = ?
	`, id).Scan(&ws.ID, &ws.Path, &ws.Branch, &ws.Owner, &ws.Shared, &ws.State,
		&ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// UpdateWorkspaceState updates a workspace's lifecycle state
func (s *Store) UpdateWorkspaceState(id string, state types.WorkspaceState) error {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`
		UPDATE workspaces
		SET state = ?, updated_at = ?, last_used_at = ?
		WHERE id = ?
	`, state, now, now, id)
	return err
}

// UpdateWorkspaceDiskSize records a workspace's disk usage
func (s *Store) UpdateWorkspaceDiskSize(id string, size int64) error {
	_, err := s.DB.Exec(`
		UPDATE workspaces
		SET disk_size = ?
		WHERE id = ?
	`, size, id)
	return err
}

// TouchWorkspace updates a workspace's last used timestamp
func (s *Store) TouchWorkspace(id string) error {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`
		UPDATE workspaces
		SET last_used_at = ?
		WHERE id = ?
	`, now, id)
	return err
}

// ListWorkspaces returns all workspace records, newest first
func (s *Store) ListWorkspaces() ([]*WorkspaceInfo, error) {
	rows, err := s.DB.Query(`
		SELECT id, path, COALESCE(branch, ''), owner, shared, state,
		       disk_size, created_at, updated_at, last_used_at
		FROM workspaces
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*WorkspaceInfo
	for rows.Next() {
		var ws WorkspaceInfo
		if err := rows.Scan(&ws.ID, &ws.Path, &ws.Branch, &ws.Owner, &ws.Shared, &ws.State,
			&ws.DiskSize, &ws.CreatedAt, &ws.UpdatedAt, &ws.LastUsedAt); err != nil {
			return nil, err
		}
		workspaces = append(workspaces, &ws)
	}
	return workspaces, rows.Err()
}

// GetWorkspacesForReclaim returns workspaces whose state allows destruction
func (s *Store) GetWorkspacesForReclaim() ([]*WorkspaceInfo, error) {
	rows, err := s.DB.Query(`
		SELECT id, path, COALESCE(branch, ''), owner, shared, state,
		       disk_size, created_at, updated_at, last_used_at
		FROM workspaces
		WHERE state IN ('merged', 'discarded')
		ORDER BY last_used_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing reclaimable workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*WorkspaceInfo
	for rows.Next() {
		var ws WorkspaceInfo
		if err := rows.Scan(&ws.ID, &ws.Path, &ws.Branch, &ws.Owner, &ws.Shared, &ws.State,
			&ws.DiskSize, &ws.CreatedAt, &ws.UpdatedAt, &ws.LastUsedAt); err != nil {
			return nil, err
		}
		workspaces = append(workspaces, &ws)
	}
	return workspaces, rows.Err()
}

// DeleteWorkspace removes a workspace record after its directory is gone
func (s *Store) DeleteWorkspace(id string) error {
	_, err := s.DB.Exec(`DELETE FROM workspaces WHERE id = ?`, id)
	return err
}

// GetOrphanedWorkspaces finds directories under workspaceDir with no
// corresponding database record
func (s *Store) GetOrphanedWorkspaces(workspaceDir string) ([]string, error) {
	rows, err := s.DB.Query(`SELECT path FROM workspaces`)
	if err != nil {
		return nil, fmt.Errorf("querying workspace paths: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			continue
		}
		known[path] = true
	}

	entries, err := os.ReadDir(workspaceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading workspace directory: %w", err)
	}

	var orphaned []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(workspaceDir, entry.Name())
		if !known[path] {
			orphaned = append(orphaned, path)
		}
	}
	return orphaned, nil
}

// GetWorkspaceStats returns per-state workspace counts and total disk usage
func (s *Store) GetWorkspaceStats() (map[string]int64, error) {
	stats := make(map[string]int64)

	rows, err := s.DB.Query(`
		SELECT state, COUNT(*), COALESCE(SUM(disk_size), 0)
		FROM workspaces
		GROUP BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("querying workspace stats: %w", err)
	}
	defer rows.Close()

	var totalSize int64
	for rows.Next() {
		var state string
		var count, size int64
		if err := rows.Scan(&state, &count, &size); err != nil {
			return nil, err
		}
		stats[state] = count
		totalSize += size
	}
	stats["total_disk_size"] = totalSize

	return stats, rows.Err()
}

// ---- gate results ----

// AppendGateResult records one gate attempt for a unit
func (s *Store) AppendGateResult(result *types.GateResult) error {
	issuesJSON, err := json.Marshal(result.BlockingIssues)
	if err != nil {
		return fmt.Errorf("encoding blocking issues: %w", err)
	}

	if result.Timestamp == 0 {
		result.Timestamp = time.Now().Unix()
	}

	res, err := s.DB.Exec(`
		INSERT INTO gate_results (unit_id, gate, verdict, issues, attempt, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, result.UnitID, result.Gate, result.Verdict, string(issuesJSON), result.Attempt, result.Timestamp)
	if err != nil {
		return fmt.Errorf("recording gate result: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		result.ID = id
	}
	return nil
}

// GetGateHistory returns every gate attempt for a unit in insertion order
func (s *Store) GetGateHistory(unitID string) ([]types.GateResult, error) {
	rows, err := s.DB.Query(`
		SELECT id, unit_id, gate, verdict, COALESCE(issues, '[]'), attempt, timestamp
		FROM gate_results
		WHERE unit_id = ?
		ORDER BY id ASC
	`, unitID)
	if err != nil {
		return nil, fmt.Errorf("getting gate history: %w", err)
	}
	defer rows.Close()

	var history []types.GateResult
	for rows.Next() {
		var result types.GateResult
		var issuesJSON string
		if err := rows.Scan(&result.ID, &result.UnitID, &result.Gate, &result.Verdict,
			&issuesJSON, &result.Attempt, &result.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(issuesJSON), &result.BlockingIssues); err != nil {
			return nil, fmt.Errorf("decoding blocking issues: %w", err)
		}
		history = append(history, result)
	}
	return history, rows.Err()
}

// LatestGateAttempt returns the highest recorded attempt number for a unit at
// a gate, or 0 when the gate has never run
func (s *Store) LatestGateAttempt(unitID string, gate types.Gate) (int, error) {
	var attempt int
	err := s.DB.QueryRow(`
		SELECT COALESCE(MAX(attempt), 0)
		FROM gate_results
		WHERE unit_id = ? AND gate = ?
	`, unitID, gate).Scan(&attempt)
	if err != nil {
		return 0, fmt.Errorf("getting latest gate attempt: %w", err)
	}
	return attempt, nil
}

// HasPassedGate reports whether a unit has a recorded pass at a gate
func (s *Store) HasPassedGate(unitID string, gate types.Gate) (bool, error) {
	var count int
	err := s.DB.QueryRow(`
		SELECT COUNT(*)
		FROM gate_results
		WHERE unit_id = ? AND gate = ? AND verdict = 'pass'
	`, unitID, gate).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ---- approvals ----

// RecordApproval stores a go/no-go decision for a unit
func (s *Store) RecordApproval(a *types.Approval) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().Unix()
	}
	_, err := s.DB.Exec(`
		INSERT INTO approvals (unit_id, approved, actor, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.UnitID, a.Approved, a.Actor, a.Reason, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording approval: %w", err)
	}
	return nil
}

// GetApproval returns the latest decision for a unit recorded at or after
// since, or nil when no decision has arrived yet
func (s *Store) GetApproval(unitID string, since int64) (*types.Approval, error) {
	var a types.Approval
	err := s.DB.QueryRow(`
		SELECT unit_id, approved, COALESCE(actor, ''), COALESCE(reason, ''), created_at
		FROM approvals
		WHERE unit_id = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, unitID, since).Scan(&a.UnitID, &a.Approved, &a.Actor, &a.Reason, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting approval: %w", err)
	}
	return &a, nil
}

// ---- events ----

// Event is one row of the lifecycle event log
type Event struct {
	ID        int64
	TaskID    string
	UnitID    string
	Kind      string
	Message   string
	CreatedAt int64
}

// AppendEvent records a lifecycle event
func (s *Store) AppendEvent(taskID, unitID, kind, message string) error {
	_, err := s.DB.Exec(`
		INSERT INTO events (task_id, unit_id, kind, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, unitID, kind, message, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// ListEvents returns the newest events first, optionally filtered by task
func (s *Store) ListEvents(taskID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, COALESCE(task_id, ''), COALESCE(unit_id, ''), kind,
		       COALESCE(message, ''), created_at
		FROM events
		ORDER BY id DESC
		LIMIT ?
	`
	args := []interface{}{limit}
	if taskID != "" {
		query = `
			SELECT id, COALESCE(task_id, ''), COALESCE(unit_id, ''), kind,
			       COALESCE(message, ''), created_at
			FROM events
			WHERE task_id = ?
			ORDER BY id DESC
			LIMIT ?
		`
		args = []interface{}{taskID, limit}
	}

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TaskID, &e.UnitID, &e.Kind, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ---- reports ----

// SaveReport persists an integration report as JSON
func (s *Store) SaveReport(report *types.IntegrationReport) error {
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	if report.CreatedAt == 0 {
		report.CreatedAt = time.Now().Unix()
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	_, err = s.DB.Exec(`
		INSERT INTO reports (id, task_id, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, report.ID, report.TaskID, string(payload), report.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving report: %w", err)
	}
	return nil
}

// GetLatestReport returns the most recent report for a task, or nil when the
// task has never completed a run
func (s *Store) GetLatestReport(taskID string) (*types.IntegrationReport, error) {
	var payload string
	err := s.DB.QueryRow(`
		SELECT payload FROM reports
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, taskID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting report: %w", err)
	}

	var report types.IntegrationReport
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return &report, nil
}
