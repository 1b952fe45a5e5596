package queue

import (
	"database/sql"
	"time"

	"github.com/timelinehq/timeline/errors"
)

// Store handles persistence of queued invocations
type Store struct {
	db *sql.DB
}

// NewStore creates a new invocation store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateInvocation inserts a new queued invocation
func (s *Store) CreateInvocation(inv *Invocation) error {
	query := `
		INSERT INTO invocations (
			id, owner_id, workflow_id, deliver_at, status, attempts,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now

	_, err := s.db.Exec(query,
		inv.ID,
		inv.OwnerID,
		inv.WorkflowID,
		inv.DeliverAt.UTC().Format(time.RFC3339),
		string(inv.Status),
		inv.Attempts,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create invocation %s", inv.ID)
	}

	return nil
}

// GetInvocation retrieves an invocation by ID
func (s *Store) GetInvocation(id string) (*Invocation, error) {
	query := `
		SELECT id, owner_id, workflow_id, deliver_at, status, attempts,
		       created_at, updated_at
		FROM invocations
		WHERE id = ?
	`

	inv, err := scanInvocation(s.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("invocation %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get invocation %s", id)
	}
	return inv, nil
}

// ListDue returns queued invocations whose deliver_at has passed, oldest
// first. Limited per batch to avoid overwhelming the worker pool.
func (s *Store) ListDue(now time.Time, limit int) ([]*Invocation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, owner_id, workflow_id, deliver_at, status, attempts,
		       created_at, updated_at
		FROM invocations
		WHERE status = ? AND deliver_at <= ?
		ORDER BY deliver_at ASC
		LIMIT ?
	`

	rows, err := s.db.Query(query, string(StatusQueued), now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due invocations")
	}
	defer rows.Close()

	var invocations []*Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan invocation")
		}
		invocations = append(invocations, inv)
	}

	return invocations, rows.Err()
}

// MarkDelivering claims an invocation for delivery. Compare-and-swap on
// status so two dispatch loops can never claim the same invocation;
// returns false if it was already claimed.
func (s *Store) MarkDelivering(id string) (bool, error) {
	query := `
		UPDATE invocations
		SET status = ?,
		    attempts = attempts + 1,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.Exec(query,
		string(StatusDelivering),
		time.Now().UTC().Format(time.RFC3339),
		id,
		string(StatusQueued),
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim invocation %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}

	return rows > 0, nil
}

// MarkDelivered records that the handler received the invocation
func (s *Store) MarkDelivered(id string) error {
	query := `
		UPDATE invocations
		SET status = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		string(StatusDelivered),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark invocation %s delivered", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}

	if rows == 0 {
		return errors.NewNotFoundError("invocation %s", id)
	}

	return nil
}

// ResetDelivering re-queues invocations stuck in delivering state. Called
// on startup to recover deliveries orphaned by an ungraceful shutdown;
// this is what makes delivery at-least-once rather than at-most-once.
func (s *Store) ResetDelivering() (int, error) {
	query := `
		UPDATE invocations
		SET status = ?,
		    updated_at = ?
		WHERE status = ?
	`

	result, err := s.db.Exec(query,
		string(StatusQueued),
		time.Now().UTC().Format(time.RFC3339),
		string(StatusDelivering),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reset delivering invocations")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}

// NextDue returns the soonest queued invocation, or nil if none exist.
func (s *Store) NextDue() (*Invocation, error) {
	query := `
		SELECT id, owner_id, workflow_id, deliver_at, status, attempts,
		       created_at, updated_at
		FROM invocations
		WHERE status = ?
		ORDER BY deliver_at ASC
		LIMIT 1
	`

	inv, err := scanInvocation(s.db.QueryRow(query, string(StatusQueued)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get next due invocation")
	}
	return inv, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInvocation(row scanner) (*Invocation, error) {
	var inv Invocation
	var status, deliverAt, createdAt, updatedAt string

	err := row.Scan(
		&inv.ID,
		&inv.OwnerID,
		&inv.WorkflowID,
		&deliverAt,
		&status,
		&inv.Attempts,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.Status = InvocationStatus(status)

	inv.DeliverAt, err = time.Parse(time.RFC3339, deliverAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse deliver_at for invocation %s", inv.ID)
	}
	inv.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for invocation %s", inv.ID)
	}
	inv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for invocation %s", inv.ID)
	}

	return &inv, nil
}
