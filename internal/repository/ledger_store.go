package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/dalat-app/rsvp-engine/internal/admission"
	"github.com/dalat-app/rsvp-engine/internal/model"
)

// LedgerStore implements admission.Store on MySQL. WithEvent runs inside a
// READ COMMITTED transaction that first locks the event row with
// SELECT ... FOR UPDATE; every other mutation of the same event queues
// behind that row lock until commit or rollback.
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore returns a LedgerStore bound to the given database.
func NewLedgerStore(db *sql.DB) *LedgerStore { return &LedgerStore{db: db} }

var _ admission.Store = (*LedgerStore)(nil)

const selectRSVP = `SELECT seq, event_id, user_id, status, plus_ones, queued_at, created_at, updated_at FROM rsvps`

func (s *LedgerStore) GetCapacity(ctx context.Context, eventID string) (*int, error) {
	var capacity sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT capacity FROM events WHERE id = ?", eventID).Scan(&capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil || !capacity.Valid {
		return nil, err
	}
	c := int(capacity.Int64)
	return &c, nil
}

// WithEvent holds a dedicated connection for the whole call. Taking the
// connection, setting its lock wait and locking the event row are bounded
// by wait; the transaction itself only by ctx. The session lock wait is put
// back to the server default before the connection returns to the pool.
func (s *LedgerStore) WithEvent(ctx context.Context, eventID string, wait time.Duration, fn func(ctx context.Context, l admission.Ledger) error) error {
	waitCtx, cancelWait := ctx, context.CancelFunc(func() {})
	if wait > 0 {
		waitCtx, cancelWait = context.WithTimeout(ctx, wait)
	}
	defer cancelWait()

	conn, err := s.db.Conn(waitCtx)
	if err != nil {
		return acquireError(err)
	}
	defer releaseConn(conn)

	if _, err := conn.ExecContext(waitCtx, fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", lockWaitSeconds(waitCtx))); err != nil {
		return acquireError(err)
	}
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return acquireError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	e, err := scanEvent(tx.QueryRowContext(waitCtx, selectEvent+" WHERE id = ? FOR UPDATE", eventID))
	if err != nil {
		return acquireError(err)
	}
	cancelWait()

	if err := fn(ctx, &sqlLedger{tx: tx, event: e}); err != nil {
		return ledgerError(err)
	}
	// A failed commit has an unknown outcome and must not be retried.
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// releaseConn restores the session lock wait and returns conn to the pool.
// A connection that cannot be reset is discarded instead.
func releaseConn(conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(ctx, "SET SESSION innodb_lock_wait_timeout = DEFAULT"); err != nil {
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	_ = conn.Close()
}

func (s *LedgerStore) Get(ctx context.Context, eventID, userID string) (*model.RSVP, error) {
	if _, err := s.GetCapacity(ctx, eventID); err != nil {
		return nil, err
	}
	return getRSVP(ctx, s.db, eventID, userID)
}

func (s *LedgerStore) ListByStatus(ctx context.Context, eventID string, status model.RSVPStatus) ([]model.RSVP, error) {
	return listRSVPs(ctx, s.db, eventID, status)
}

// lockWaitSeconds converts the remaining deadline of ctx into whole seconds
// for innodb_lock_wait_timeout, which has a minimum of one second.
func lockWaitSeconds(ctx context.Context) int {
	const fallback = 50
	deadline, ok := ctx.Deadline()
	if !ok {
		return fallback
	}
	secs := int(math.Ceil(time.Until(deadline).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// acquireError maps failures on the way to the event row lock onto
// admission.ErrConcurrencyTimeout: server lock waits and deadlocks, the wait
// deadline, and a connection the driver dropped when that deadline fired.
// Nothing has been written at that point.
func acquireError(err error) error {
	switch mysqlCode(err) {
	case errLockWaitTimeout, errDeadlock:
		return fmt.Errorf("%w: %v", admission.ErrConcurrencyTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mysql.ErrInvalidConn) {
		return fmt.Errorf("%w: %v", admission.ErrConcurrencyTimeout, err)
	}
	return err
}

// ledgerError maps failures of the mutation itself. A deadlock rolls the
// whole transaction back and may be retried; missing users surface as
// admission.ErrUserNotFound. Everything else passes through.
func ledgerError(err error) error {
	switch mysqlCode(err) {
	case errLockWaitTimeout, errDeadlock:
		return fmt.Errorf("%w: %v", admission.ErrConcurrencyTimeout, err)
	case errNoReferencedRow:
		return fmt.Errorf("%w: %v", admission.ErrUserNotFound, err)
	}
	return err
}

// sqlLedger is the admission.Ledger view of one locked event.
type sqlLedger struct {
	tx    *sql.Tx
	event model.Event
}

func (l *sqlLedger) Event() model.Event {
	e := l.event
	e.Capacity = model.CopyCapacity(e.Capacity)
	return e
}

func (l *sqlLedger) Get(ctx context.Context, userID string) (*model.RSVP, error) {
	return getRSVP(ctx, l.tx, l.event.ID, userID)
}

func (l *sqlLedger) Upsert(ctx context.Context, r *model.RSVP) error {
	if !r.Status.Valid() {
		return fmt.Errorf("%w: status %q", admission.ErrConstraintViolation, r.Status)
	}
	if r.PlusOnes < 0 {
		return fmt.Errorf("%w: plus_ones must not be negative", admission.ErrConstraintViolation)
	}
	r.EventID = l.event.ID
	const q = `INSERT INTO rsvps (event_id, user_id, status, plus_ones, queued_at, created_at, updated_at)
               VALUES (?, ?, ?, ?, ?, ?, ?)
               ON DUPLICATE KEY UPDATE status = VALUES(status), plus_ones = VALUES(plus_ones),
                                       queued_at = VALUES(queued_at), updated_at = VALUES(updated_at)`
	if _, err := l.tx.ExecContext(ctx, q, r.EventID, r.UserID, string(r.Status), r.PlusOnes,
		nullTime(r.QueuedAt), r.CreatedAt, r.UpdatedAt); err != nil {
		return err
	}
	return l.tx.QueryRowContext(ctx,
		"SELECT seq, created_at FROM rsvps WHERE event_id = ? AND user_id = ?",
		r.EventID, r.UserID).Scan(&r.Seq, &r.CreatedAt)
}

func (l *sqlLedger) ListByStatus(ctx context.Context, status model.RSVPStatus) ([]model.RSVP, error) {
	return listRSVPs(ctx, l.tx, l.event.ID, status)
}

func (l *sqlLedger) Remove(ctx context.Context, userID string) error {
	_, err := l.tx.ExecContext(ctx, "DELETE FROM rsvps WHERE event_id = ? AND user_id = ?", l.event.ID, userID)
	return err
}

func (l *sqlLedger) SetCapacity(ctx context.Context, capacity *int) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if _, err := l.tx.ExecContext(ctx,
		"UPDATE events SET capacity = ?, updated_at = ? WHERE id = ?",
		nullCapacity(capacity), now, l.event.ID); err != nil {
		return err
	}
	l.event.Capacity = model.CopyCapacity(capacity)
	l.event.UpdatedAt = now
	return nil
}

// scanRSVP reads one row selected with selectRSVP.
func scanRSVP(scan func(dest ...any) error) (model.RSVP, error) {
	var (
		r        model.RSVP
		queuedAt sql.NullTime
	)
	if err := scan(&r.Seq, &r.EventID, &r.UserID, &r.Status, &r.PlusOnes, &queuedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return model.RSVP{}, err
	}
	if queuedAt.Valid {
		t := queuedAt.Time
		r.QueuedAt = &t
	}
	return r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func getRSVP(ctx context.Context, q queryer, eventID, userID string) (*model.RSVP, error) {
	r, err := scanRSVP(q.QueryRowContext(ctx, selectRSVP+" WHERE event_id = ? AND user_id = ?", eventID, userID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func listRSVPs(ctx context.Context, q queryer, eventID string, status model.RSVPStatus) ([]model.RSVP, error) {
	rows, err := q.QueryContext(ctx,
		selectRSVP+" WHERE event_id = ? AND status = ? ORDER BY COALESCE(queued_at, created_at), seq",
		eventID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RSVP
	for rows.Next() {
		r, err := scanRSVP(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
