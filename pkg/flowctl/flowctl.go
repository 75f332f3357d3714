// Package flowctl implements the generic durable flow controller
// (component M, spec.md §4.M): a `flow_runs`/`flow_events` store backing
// ticket-flow (L) and any other step-based flow, driving a registered
// FlowDefinition's steps to a terminal outcome, a stop flag, or a pause.
//
// Grounded on the teacher's internal/kernel/kernel.go and
// pkg/persistence/schema.go: database/sql opened against a blank-imported
// modernc.org/sqlite driver, DSN flags `_foreign_keys=ON&_journal_mode=WAL
// &_busy_timeout=5000`, and a version-checked schema_version table gating
// a one-shot createSchema versus future ALTER-based migrations. The
// step-fan-out idiom (StepOutcome.continue_to/fail/complete and a
// next_steps name set) is ported from
// original_source/flows/pr_flow/definition.go -- see flow.go.
package flowctl

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/lucky401/carrunner/pkg/errkind"
	"github.com/lucky401/carrunner/pkg/logx"
	"github.com/lucky401/carrunner/pkg/metrics"
)

// CurrentSchemaVersion is the flowctl store's own schema version, tracked
// independently of any other package's database.
const CurrentSchemaVersion = 1

// Status is a flow run's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// FlowRunRecord mirrors a flow_runs row.
type FlowRunRecord struct {
	ID           string
	FlowType     string
	Status       Status
	CurrentStep  string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ErrorMessage string
	State        map[string]any
	Input        map[string]any
	CreatedAt    time.Time
}

// FlowEvent mirrors a flow_events row.
type FlowEvent struct {
	ID        int64
	RunID     string
	Seq       int
	EventType string
	Data      map[string]any
	Timestamp time.Time
}

// Event type names, per spec.md §4.M's ordering guarantees.
const (
	EventFlowStarted   = "flow_started"
	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepPaused    = "step_paused"
	EventFlowCompleted = "flow_completed"
	EventFlowFailed    = "flow_failed"
	EventFlowStopped   = "flow_stopped"
)

// Controller owns the flow store and the set of registered definitions.
// One Controller is shared across every flow run in a workspace, mirroring
// how internal/supervisor shares one Supervisor per agent kind rather than
// one per run.
type Controller struct {
	db          *sql.DB
	definitions map[string]FlowDefinition
	logger      *logx.Logger

	// Metrics, if non-nil, records flow run and step counts.
	Metrics *metrics.Recorder

	mu        sync.Mutex
	stopFlags map[string]bool
}

// Open opens (creating if absent) the SQLite-backed flow store at dbPath
// and ensures its schema is current.
func Open(dbPath string) (*Controller, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "open flow store", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errkind.Wrap(errkind.Fatal, "ping flow store", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Controller{
		db:          db,
		definitions: make(map[string]FlowDefinition),
		logger:      logx.NewLogger("flowctl"),
		stopFlags:   make(map[string]bool),
	}, nil
}

// Close releases the underlying database handle.
func (c *Controller) Close() error {
	return c.db.Close()
}

// Register adds a FlowDefinition under def.Type, available to StartFlow.
func (c *Controller) Register(def FlowDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.definitions[def.Type] = def
}

func initSchema(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "read flow store schema version", err)
	}
	if version == CurrentSchemaVersion {
		return nil
	}
	if version > CurrentSchemaVersion {
		return errkind.New(errkind.Fatal, fmt.Sprintf("flow store schema version %d newer than supported %d", version, CurrentSchemaVersion))
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE TABLE IF NOT EXISTS flow_runs (
			id TEXT PRIMARY KEY,
			flow_type TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT NOT NULL DEFAULT '',
			started_at DATETIME,
			finished_at DATETIME,
			error_message TEXT NOT NULL DEFAULT '',
			state_json TEXT NOT NULL DEFAULT '{}',
			input_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE TABLE IF NOT EXISTS flow_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES flow_runs(id),
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			data_json TEXT NOT NULL DEFAULT '{}',
			timestamp DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			UNIQUE (run_id, seq)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return errkind.Wrap(errkind.Fatal, "create flow store schema", err)
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
		return errkind.Wrap(errkind.Fatal, "record flow store schema version", err)
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`); err != nil {
		return 0, err
	}
	var version int
	err := db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}

// StartFlow creates a pending run of the named flow type. RunFlow must be
// called separately to actually drive it, matching spec.md §4.M's split
// between start_flow and run_flow.
func (c *Controller) StartFlow(ctx context.Context, flowType string, id string, input map[string]any) (*FlowRunRecord, error) {
	c.mu.Lock()
	def, ok := c.definitions[flowType]
	c.mu.Unlock()
	if !ok {
		return nil, errkind.New(errkind.Validation, "unknown flow type "+flowType)
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, "marshal flow input", err)
	}
	stateJSON := []byte("{}")

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO flow_runs (id, flow_type, status, current_step, state_json, input_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, flowType, StatusPending, def.Start, stateJSON, inputJSON)
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "insert flow run", err)
	}
	return c.getRun(ctx, id)
}

// StopFlow sets a monotonic cancellation flag for id, observed at the
// in-progress step's next boundary.
func (c *Controller) StopFlow(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopFlags[id] = true
}

func (c *Controller) stopRequested(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopFlags[id]
}

func (c *Controller) clearStop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stopFlags, id)
}

// ResumeFlow re-enters RunFlow for a run currently paused or stopped.
func (c *Controller) ResumeFlow(ctx context.Context, id string) error {
	run, err := c.getRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != StatusPaused && run.Status != StatusStopped {
		return errkind.New(errkind.Validation, fmt.Sprintf("cannot resume flow %s in status %s", id, run.Status))
	}
	c.clearStop(id)
	if err := c.setStatus(ctx, id, StatusRunning); err != nil {
		return err
	}
	return c.RunFlow(ctx, id)
}

// RunFlow drives run id's steps to a terminal outcome, a stop flag, or a
// pause. It is the only method that executes step functions; StartFlow
// merely creates the pending record.
func (c *Controller) RunFlow(ctx context.Context, id string) error {
	run, err := c.getRun(ctx, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	def, ok := c.definitions[run.FlowType]
	c.mu.Unlock()
	if !ok {
		return errkind.New(errkind.Validation, "unknown flow type "+run.FlowType)
	}

	if run.Status == StatusPending {
		if err := c.appendEvent(ctx, id, EventFlowStarted, nil); err != nil {
			return err
		}
		now := time.Now()
		run.StartedAt = &now
		if _, err := c.db.ExecContext(ctx, `UPDATE flow_runs SET started_at = ? WHERE id = ?`, now, id); err != nil {
			return errkind.Wrap(errkind.Fatal, "record flow start time", err)
		}
	}
	if err := c.setStatus(ctx, id, StatusRunning); err != nil {
		return err
	}

	step := run.CurrentStep
	if step == "" {
		step = def.Start
	}
	state := run.State

	for {
		if c.stopRequested(id) {
			c.clearStop(id)
			if err := c.setStatus(ctx, id, StatusStopped); err != nil {
				return err
			}
			c.recordFlow(run.FlowType, string(StatusStopped))
			return c.appendEvent(ctx, id, EventFlowStopped, nil)
		}

		fn, ok := def.Steps[step]
		if !ok {
			_ = c.fail(ctx, id, "unknown step "+step)
			return errkind.New(errkind.Fatal, "flow "+run.FlowType+" has no step "+step)
		}

		if err := c.appendEvent(ctx, id, EventStepStarted, map[string]any{"step": step}); err != nil {
			return err
		}
		if err := c.setCurrentStep(ctx, id, step); err != nil {
			return err
		}

		outcome, err := fn(ctx, &Record{ID: id, State: state}, run.Input)
		if err != nil {
			if stepErr := c.appendEvent(ctx, id, EventStepFailed, map[string]any{"step": step, "error": err.Error()}); stepErr != nil {
				return stepErr
			}
			return c.fail(ctx, id, err.Error())
		}

		for k, v := range outcome.Output {
			if state == nil {
				state = map[string]any{}
			}
			state[k] = v
		}
		if err := c.saveState(ctx, id, state); err != nil {
			return err
		}

		switch outcome.Kind {
		case outcomeFail:
			c.recordStep(run.FlowType, step, "failed")
			if err := c.appendEvent(ctx, id, EventStepFailed, map[string]any{"step": step, "reason": outcome.Reason}); err != nil {
				return err
			}
			c.recordFlow(run.FlowType, string(StatusFailed))
			return c.fail(ctx, id, outcome.Reason)

		case outcomePause:
			c.recordStep(run.FlowType, step, "paused")
			if err := c.appendEvent(ctx, id, EventStepPaused, map[string]any{"step": step, "reason": outcome.Reason}); err != nil {
				return err
			}
			return c.setStatus(ctx, id, StatusPaused)

		case outcomeComplete:
			c.recordStep(run.FlowType, step, "completed")
			if err := c.appendEvent(ctx, id, EventStepCompleted, map[string]any{"step": step}); err != nil {
				return err
			}
			if err := c.appendEvent(ctx, id, EventFlowCompleted, nil); err != nil {
				return err
			}
			c.recordFlow(run.FlowType, string(StatusCompleted))
			return c.setStatus(ctx, id, StatusCompleted)

		case outcomeContinue:
			c.recordStep(run.FlowType, step, "continued")
			if err := c.appendEvent(ctx, id, EventStepCompleted, map[string]any{"step": step}); err != nil {
				return err
			}
			if len(outcome.NextSteps) == 0 {
				return errkind.New(errkind.Fatal, "step "+step+" returned continue with no next steps")
			}
			step = outcome.NextSteps[0]

		default:
			return errkind.New(errkind.Fatal, "step "+step+" returned an unrecognized outcome kind")
		}
	}
}

func (c *Controller) recordStep(flowType, step, outcome string) {
	if c.Metrics != nil {
		c.Metrics.FlowStepsTotal.WithLabelValues(flowType, step, outcome).Inc()
	}
}

func (c *Controller) recordFlow(flowType, status string) {
	if c.Metrics != nil {
		c.Metrics.FlowRunsTotal.WithLabelValues(flowType, status).Inc()
	}
}

func (c *Controller) fail(ctx context.Context, id, reason string) error {
	if _, err := c.db.ExecContext(ctx, `
		UPDATE flow_runs SET status = ?, error_message = ?, finished_at = ? WHERE id = ?
	`, StatusFailed, reason, time.Now(), id); err != nil {
		return errkind.Wrap(errkind.Fatal, "record flow failure", err)
	}
	return c.appendEvent(ctx, id, EventFlowFailed, map[string]any{"error": reason})
}

func (c *Controller) setStatus(ctx context.Context, id string, status Status) error {
	var finishedAt any
	if status == StatusCompleted || status == StatusFailed || status == StatusStopped {
		finishedAt = time.Now()
	}
	_, err := c.db.ExecContext(ctx, `UPDATE flow_runs SET status = ?, finished_at = COALESCE(?, finished_at) WHERE id = ?`, status, finishedAt, id)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "update flow run status", err)
	}
	return nil
}

func (c *Controller) setCurrentStep(ctx context.Context, id, step string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE flow_runs SET current_step = ? WHERE id = ?`, step, id)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "update flow current step", err)
	}
	return nil
}

func (c *Controller) saveState(ctx context.Context, id string, state map[string]any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "marshal flow state", err)
	}
	if _, err := c.db.ExecContext(ctx, `UPDATE flow_runs SET state_json = ? WHERE id = ?`, data, id); err != nil {
		return errkind.Wrap(errkind.Fatal, "persist flow state", err)
	}
	return nil
}

// appendEvent assigns the next seq for id (MAX(seq)+1) and inserts the
// event, as two separate statements with no transaction or lock; the
// UNIQUE (run_id, seq) constraint rejects a second insert of the same seq.
func (c *Controller) appendEvent(ctx context.Context, id, eventType string, data map[string]any) error {
	var maxSeq sql.NullInt64
	if err := c.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM flow_events WHERE run_id = ?`, id).Scan(&maxSeq); err != nil {
		return errkind.Wrap(errkind.Fatal, "read flow event sequence", err)
	}
	seq := 1
	if maxSeq.Valid {
		seq = int(maxSeq.Int64) + 1
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "marshal flow event data", err)
	}
	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO flow_events (run_id, seq, event_type, data_json) VALUES (?, ?, ?, ?)
	`, id, seq, eventType, dataJSON); err != nil {
		return errkind.Wrap(errkind.Fatal, "insert flow event", err)
	}
	return nil
}

func (c *Controller) getRun(ctx context.Context, id string) (*FlowRunRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, flow_type, status, current_step, started_at, finished_at, error_message, state_json, input_json, created_at
		FROM flow_runs WHERE id = ?
	`, id)

	var rec FlowRunRecord
	var startedAt, finishedAt sql.NullTime
	var stateJSON, inputJSON []byte
	if err := row.Scan(&rec.ID, &rec.FlowType, &rec.Status, &rec.CurrentStep, &startedAt, &finishedAt, &rec.ErrorMessage, &stateJSON, &inputJSON, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errkind.New(errkind.Validation, "no such flow run "+id)
		}
		return nil, errkind.Wrap(errkind.Fatal, "read flow run", err)
	}
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		rec.FinishedAt = &finishedAt.Time
	}
	if err := json.Unmarshal(stateJSON, &rec.State); err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "unmarshal flow state", err)
	}
	if err := json.Unmarshal(inputJSON, &rec.Input); err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "unmarshal flow input", err)
	}
	return &rec, nil
}

// GetRun returns the current record for a flow run.
func (c *Controller) GetRun(ctx context.Context, id string) (*FlowRunRecord, error) {
	return c.getRun(ctx, id)
}

// StreamEvents returns a channel delivering every event for id with
// seq > afterSeq, then polling for new ones until ctx is done. The
// channel is closed when ctx is canceled.
func (c *Controller) StreamEvents(ctx context.Context, id string, afterSeq int) (<-chan FlowEvent, error) {
	if _, err := c.getRun(ctx, id); err != nil {
		return nil, err
	}

	ch := make(chan FlowEvent)
	go func() {
		defer close(ch)
		last := afterSeq
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			events, err := c.eventsSince(ctx, id, last)
			if err != nil {
				c.logger.Warn("stream events for %s: %v", id, err)
				return
			}
			for _, ev := range events {
				select {
				case ch <- ev:
					last = ev.Seq
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, nil
}

func (c *Controller) eventsSince(ctx context.Context, id string, afterSeq int) ([]FlowEvent, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, run_id, seq, event_type, data_json, timestamp
		FROM flow_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC
	`, id, afterSeq)
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "query flow events", err)
	}
	defer rows.Close()

	var events []FlowEvent
	for rows.Next() {
		var ev FlowEvent
		var dataJSON []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Seq, &ev.EventType, &dataJSON, &ev.Timestamp); err != nil {
			return nil, errkind.Wrap(errkind.Fatal, "scan flow event", err)
		}
		if err := json.Unmarshal(dataJSON, &ev.Data); err != nil {
			return nil, errkind.Wrap(errkind.Fatal, "unmarshal flow event data", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
