package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "roomcast/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobColumns = `id, name, key, input, status, run_at, claims, attempts, last_error, output, lease_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var (
		j                                Job
		status                           string
		lastErr                          sql.NullString
		runAt, lease, created, updatedAt int64
		input, output                    []byte
	)
	if err := r.Scan(&j.ID, &j.Name, &j.Key, &input, &status, &runAt, &j.Claims, &j.Attempts, &lastErr, &output, &lease, &created, &updatedAt); err != nil {
		return Job{}, err
	}
	j.Status = JobStatus(status)
	j.Input = input
	j.Output = output
	j.LastError = lastErr.String
	j.RunAt = fromMS(runAt)
	j.LeaseUntil = fromMS(lease)
	j.CreatedAt = fromMS(created)
	j.UpdatedAt = fromMS(updatedAt)
	return j, nil
}

func (s *sqliteStore) InsertJob(ctx context.Context, j Job) error {
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Name, j.Key, []byte(j.Input), string(j.Status), toMS(j.RunAt), j.Claims, j.Attempts,
		nullStr(j.LastError), []byte(j.Output), toMS(j.LeaseUntil), toMS(j.CreatedAt), toMS(now),
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqliteStore) markQueued(ctx context.Context, name, key, exceptID string, to JobStatus) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ? AND name = ? AND key = ? AND id <> ?`,
		string(to), toMS(time.Now()), string(StatusQueued), name, key, exceptID,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) SupersedeJobs(ctx context.Context, name, key, exceptID string) (int, error) {
	return s.markQueued(ctx, name, key, exceptID, StatusSuperseded)
}

func (s *sqliteStore) CancelJobs(ctx context.Context, name, key string) (int, error) {
	return s.markQueued(ctx, name, key, "", StatusCanceled)
}

func (s *sqliteStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	nowMS := toMS(now)
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM jobs
		 WHERE (status = ? AND run_at <= ?) OR (status = ? AND lease_until > 0 AND lease_until <= ?)
		 ORDER BY run_at, created_at, id LIMIT ?`,
		string(StatusQueued), nowMS, string(StatusRunning), nowMS, limit,
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, claims = claims + 1, lease_until = ?, updated_at = ? WHERE id = ?`,
			string(StatusRunning), toMS(now.Add(lease)), nowMS, id,
		); err != nil {
			return nil, err
		}
		j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// finish updates a running job; ErrConflict if the job is no longer running.
func (s *sqliteStore) finish(ctx context.Context, id string, set string, args ...any) error {
	args = append(args, toMS(time.Now()), id, string(StatusRunning))
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+set+`, lease_until = 0, updated_at = ? WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		s.maybePrune()
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *sqliteStore) CompleteJob(ctx context.Context, id string, output []byte, attempts int) error {
	return s.finish(ctx, id, `status = ?, output = ?, attempts = attempts + ?, last_error = NULL`,
		string(StatusSucceeded), output, attempts)
}

func (s *sqliteStore) FailJob(ctx context.Context, id string, errMsg string, attempts int) error {
	return s.finish(ctx, id, `status = ?, attempts = attempts + ?, last_error = ?`,
		string(StatusFailed), attempts, nullStr(errMsg))
}

func (s *sqliteStore) ReleaseJob(ctx context.Context, id string, runAt time.Time) error {
	return s.finish(ctx, id, `status = ?, run_at = ?, claims = MAX(claims - 1, 0)`, string(StatusQueued), toMS(runAt))
}

func (s *sqliteStore) CancelJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusCanceled), toMS(time.Now()), id, string(StatusQueued))
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if f.Key != "" {
		where = append(where, "key = ?")
		args = append(args, f.Key)
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY run_at, created_at, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, d Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	ok := 0
	if d.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, run_id, room_id, event_id, mode, fire_at, lateness_ms, ok, status, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		toMS(d.At), d.RunID, d.RoomID, d.EventID, d.Mode, toMS(d.FireAt), d.Lateness.Milliseconds(), ok, d.Status, nullStr(d.Error),
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqliteStore) ListDeliveries(ctx context.Context, roomID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT at, run_id, room_id, event_id, mode, fire_at, lateness_ms, ok, status, err FROM deliveries`
	var args []any
	if roomID != "" {
		q += ` WHERE room_id = ?`
		args = append(args, roomID)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		var (
			d                  Delivery
			at, fireAt, lateMS int64
			ok                 int
			errStr             sql.NullString
		)
		if err := rows.Scan(&at, &d.RunID, &d.RoomID, &d.EventID, &d.Mode, &fireAt, &lateMS, &ok, &d.Status, &errStr); err != nil {
			return nil, err
		}
		d.At = fromMS(at)
		d.FireAt = fromMS(fireAt)
		d.Lateness = time.Duration(lateMS) * time.Millisecond
		d.OK = ok == 1
		d.Error = errStr.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) maybePrune() {
	if s.retention <= 0 || s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	cutoff := toMS(time.Now().Add(-s.retention))
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE updated_at < ? AND status IN (?,?,?,?)`,
		cutoff, string(StatusSucceeded), string(StatusFailed), string(StatusCanceled), string(StatusSuperseded)); err != nil {
		s.log.Debug("job prune failed", logx.Err(err))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE at < ?`, cutoff); err != nil {
		s.log.Debug("delivery prune failed", logx.Err(err))
	}
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
