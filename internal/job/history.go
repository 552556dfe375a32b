package job

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// historyWriteTimeout bounds a single archive insert.
	historyWriteTimeout = 5 * time.Second

	// historyTimeLayout is fixed width so stored timestamps sort as text.
	historyTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// HistoryEntry is one archived terminal job.
//
// Payloads and results are not archived; only their sizes are kept, since
// flash images can be megabytes.
type HistoryEntry struct {
	JobID        string     `json:"jobID"`
	DeviceID     string     `json:"deviceID"`
	ReplicaID    string     `json:"replicaID"`
	State        State      `json:"state"`
	ErrorKind    Kind       `json:"errorKind,omitempty"`
	Error        string     `json:"error,omitempty"`
	PayloadSize  int        `json:"payloadSize"`
	ResultSize   int        `json:"resultSize"`
	CreatedAt    time.Time  `json:"createdAt"`
	DispatchedAt *time.Time `json:"dispatchedAt,omitempty"`
	FinishedAt   time.Time  `json:"finishedAt"`
}

// EntryFromJob builds a history entry from a terminal job snapshot.
func EntryFromJob(j Job) HistoryEntry {
	e := HistoryEntry{
		JobID:        j.ID,
		DeviceID:     j.DeviceID,
		ReplicaID:    j.ReplicaID,
		State:        j.State,
		ErrorKind:    j.ErrorKind,
		Error:        j.Error,
		PayloadSize:  len(j.Payload),
		ResultSize:   len(j.Result),
		CreatedAt:    j.CreatedAt,
		DispatchedAt: j.DispatchedAt,
	}
	if j.FinishedAt != nil {
		e.FinishedAt = *j.FinishedAt
	}
	return e
}

// HistoryStore archives terminal jobs.
//
// Implementations must be thread-safe and use UTC timestamps.
type HistoryStore interface {
	// Record inserts one entry. Recording the same job twice is a no-op.
	Record(ctx context.Context, e HistoryEntry) error

	// GetHistory returns recent entries for the device, newest first.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - deviceID: Unique device identifier
	//   - limit: Maximum entries to return (implementation may clamp bounds)
	GetHistory(ctx context.Context, deviceID string, limit int) ([]HistoryEntry, error)
}

// SQLiteHistoryStore implements HistoryStore on the job_history table.
type SQLiteHistoryStore struct {
	db *sql.DB
}

// NewSQLiteHistoryStore creates a history store.
//
// Parameters:
//   - db: Open SQLite connection with migrations applied
//
// Returns:
//   - *SQLiteHistoryStore: Store ready for use
func NewSQLiteHistoryStore(db *sql.DB) *SQLiteHistoryStore {
	return &SQLiteHistoryStore{db: db}
}

// Record inserts a terminal job into the archive.
func (s *SQLiteHistoryStore) Record(ctx context.Context, e HistoryEntry) error {
	if e.JobID == "" || e.DeviceID == "" {
		return fmt.Errorf("job id and device id are required")
	}

	var dispatched sql.NullString
	if e.DispatchedAt != nil {
		dispatched = sql.NullString{String: formatHistoryTime(*e.DispatchedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO job_history
		 (job_id, device_id, replica_id, state, error_kind, error_message,
		  payload_size, result_size, created_at, dispatched_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID,
		e.DeviceID,
		e.ReplicaID,
		string(e.State),
		nullIfEmpty(string(e.ErrorKind)),
		nullIfEmpty(e.Error),
		e.PayloadSize,
		e.ResultSize,
		formatHistoryTime(e.CreatedAt),
		dispatched,
		formatHistoryTime(e.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting job history: %w", err)
	}
	return nil
}

// GetHistory returns archived jobs for a device ordered by finish time, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Unique device identifier
//   - limit: Maximum entries to return (default 50, max 200)
//
// Returns:
//   - []HistoryEntry: Entries ordered by finished_at DESC (may be empty)
//   - error: nil on success, otherwise the underlying query error
func (s *SQLiteHistoryStore) GetHistory(ctx context.Context, deviceID string, limit int) ([]HistoryEntry, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, device_id, replica_id, state, error_kind, error_message,
		        payload_size, result_size, created_at, dispatched_at, finished_at
		 FROM job_history
		 WHERE device_id = ?
		 ORDER BY finished_at DESC
		 LIMIT ?`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying job history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var (
			e                     HistoryEntry
			state                 string
			errorKind, errorMsg   sql.NullString
			createdAt, finishedAt string
			dispatchedAt          sql.NullString
		)
		if err := rows.Scan(&e.JobID, &e.DeviceID, &e.ReplicaID, &state, &errorKind, &errorMsg,
			&e.PayloadSize, &e.ResultSize, &createdAt, &dispatchedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scanning job history: %w", err)
		}
		e.State = State(state)
		e.ErrorKind = Kind(errorKind.String)
		e.Error = errorMsg.String

		if e.CreatedAt, err = parseHistoryTime(createdAt); err != nil {
			return nil, err
		}
		if e.FinishedAt, err = parseHistoryTime(finishedAt); err != nil {
			return nil, err
		}
		if dispatchedAt.Valid {
			t, err := parseHistoryTime(dispatchedAt.String)
			if err != nil {
				return nil, err
			}
			e.DispatchedAt = &t
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job history: %w", err)
	}

	return entries, nil
}

// Prune deletes entries that finished more than olderThan ago.
//
// Returns:
//   - int64: Number of rows deleted
//   - error: nil on success, otherwise the underlying database error
func (s *SQLiteHistoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := formatHistoryTime(time.Now().Add(-olderThan))
	result, err := s.db.ExecContext(ctx, "DELETE FROM job_history WHERE finished_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting job history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// HistoryRecorder is an Observer that archives terminal jobs from a
// background goroutine, so a slow disk never stalls the correlator.
type HistoryRecorder struct {
	store   HistoryStore
	entries chan HistoryEntry
	logger  Logger
}

// NewHistoryRecorder creates a recorder with the given buffer size.
func NewHistoryRecorder(store HistoryStore, buffer int) *HistoryRecorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &HistoryRecorder{
		store:   store,
		entries: make(chan HistoryEntry, buffer),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the recorder.
func (h *HistoryRecorder) SetLogger(logger Logger) {
	h.logger = logger
}

// JobFinished queues the job for archiving. When the buffer is full the
// entry is dropped with a warning.
func (h *HistoryRecorder) JobFinished(j Job) {
	select {
	case h.entries <- EntryFromJob(j):
	default:
		h.logger.Warn("job history buffer full, dropping entry", "job_id", j.ID)
	}
}

// Run writes queued entries until ctx is cancelled, then flushes what is
// already buffered.
func (h *HistoryRecorder) Run(ctx context.Context) {
	for {
		select {
		case e := <-h.entries:
			h.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-h.entries:
					h.write(e)
				default:
					return
				}
			}
		}
	}
}

func (h *HistoryRecorder) write(e HistoryEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := h.store.Record(ctx, e); err != nil {
		h.logger.Error("recording job history", "job_id", e.JobID, "error", err)
	}
}

func formatHistoryTime(t time.Time) string {
	return t.UTC().Format(historyTimeLayout)
}

// parseHistoryTime parses a timestamp stored in SQLite.
func parseHistoryTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
	}
	return t, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
