// Package task is the durable orchestrator: a FIFO queue of data-
// movement jobs persisted in SQLite, claimed by a worker pool, with
// per-profile locking, cooperative cancellation and bounded automatic
// retry of transient failures.
package task

import (
	"encoding/json"
	"time"
)

// Kind names a job type.
type Kind string

const (
	KindExport  Kind = "export"
	KindImport  Kind = "import"
	KindBackup  Kind = "backup"
	KindRestore Kind = "restore"
)

// State is the task lifecycle state. Queued and running are live;
// completed, failed and cancelled are terminal.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Params carries the kind-specific job arguments, serialized as JSON
// in the task record.
type Params struct {
	// Storage names the storage backend configuration to use.
	Storage string `json:"storage"`

	// Table is the source or destination table (export, import).
	Table string `json:"table,omitempty"`

	// Format is the serialization format (export, import): csv, json
	// or ndjson.
	Format string `json:"format,omitempty"`

	// Path is the object path within the backend: the destination for
	// export, the source file for import, the artifact for restore.
	Path string `json:"path,omitempty"`

	// Mode is the import write mode: create, append or truncate.
	Mode string `json:"mode,omitempty"`

	// CreateTable derives the destination table from the file header
	// when it does not exist (import).
	CreateTable bool `json:"create_table,omitempty"`

	// Overwrite skips the destination-not-empty pre-flight (restore).
	Overwrite bool `json:"overwrite,omitempty"`

	// StartOffset resumes an import that far into the file.
	StartOffset int64 `json:"start_offset,omitempty"`
}

// Task is one job record. While a task runs, its executing worker is
// the only writer of the record; the lone exception is the
// cancel-requested flag, set by anyone and only ever from false to
// true.
type Task struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	ProfileID string `json:"profile_id"`
	Params    Params `json:"params"`

	State State  `json:"state"`
	Phase string `json:"phase,omitempty"`
	Rows  int64  `json:"rows"`
	Bytes int64  `json:"bytes"`

	// FailedOffset is the first uncommitted row offset after a failed
	// or cancelled run, -1 when not applicable.
	FailedOffset int64 `json:"failed_offset"`

	RetryCount      int    `json:"retry_count"`
	RetryOf         string `json:"retry_of,omitempty"`
	CancelRequested bool   `json:"cancel_requested"`
	Error           string `json:"error,omitempty"`

	NotBefore  *time.Time `json:"not_before,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (t *Task) paramsJSON() (string, error) {
	b, err := json.Marshal(t.Params)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// lockScope returns the lock this task must hold while running.
// Export and import serialize per (profile, table); backup and restore
// touch the whole database and take the profile-wide lock.
func (t *Task) lockScope() (name, scope string) {
	switch t.Kind {
	case KindExport, KindImport:
		return t.ProfileID + "/" + t.Params.Table, scopeTable
	default:
		return t.ProfileID, scopeProfile
	}
}
