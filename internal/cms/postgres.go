package cms

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Postgres reads the CMS collections straight from its Postgres database.
// Ids are compared as text so serial and text primary keys both work, and
// optional text columns may be NULL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool to dsn and optionally creates the tables.
func NewPostgres(ctx context.Context, dsn string, migrate bool) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if migrate {
		if _, err := pool.Exec(ctx, schemaSQL); err != nil {
			pool.Close()
			return nil, fmt.Errorf("cms schema: %w", err)
		}
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const roomColumns = `id::text, name, user_id::text, type::text, scheduled_date, room_started, started_at, stopped_at, updated_at`

func scanRoom(row pgx.Row) (Room, error) {
	var (
		r                Room
		name, owner, typ pgtype.Text
		started          pgtype.Bool
	)
	err := row.Scan(&r.ID, &name, &owner, &typ, &r.ScheduledDate, &started, &r.StartedAt, &r.StoppedAt, &r.UpdatedAt)
	if err != nil {
		return Room{}, err
	}
	r.Name = name.String
	r.Owner = owner.String
	r.Type = RoomType(typ.String)
	r.Started = started.Valid && started.Bool
	return r, nil
}

const scenarioColumns = `id::text, room_id::text, username, message, seconds::float8`

func scanScenarioEvent(row pgx.Row) (ScenarioEvent, error) {
	var (
		ev                ScenarioEvent
		username, message pgtype.Text
	)
	if err := row.Scan(&ev.ID, &ev.RoomID, &username, &message, &ev.Seconds); err != nil {
		return ScenarioEvent{}, err
	}
	ev.Username = username.String
	ev.Message = message.String
	return ev, nil
}

func (p *Postgres) FindRoom(ctx context.Context, id string) (Room, error) {
	r, err := scanRoom(p.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id::text = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, err
	}
	return r, nil
}

func (p *Postgres) UpdateRoom(ctx context.Context, id string, patch RoomPatch) (Room, error) {
	var (
		sets []string
		args = []any{id}
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.ClearSchedule {
		sets = append(sets, "scheduled_date = NULL")
	} else if patch.ScheduledDate != nil {
		set("scheduled_date", *patch.ScheduledDate)
	}
	if patch.Started != nil {
		set("room_started", *patch.Started)
	}
	if patch.StartedAt != nil {
		set("started_at", *patch.StartedAt)
	}
	if patch.StoppedAt != nil {
		set("stopped_at", *patch.StoppedAt)
	}
	set("updated_at", time.Now())

	q := `UPDATE rooms SET ` + strings.Join(sets, ", ") + ` WHERE id::text = $1`
	if patch.IfNotStarted {
		q += ` AND COALESCE(room_started, FALSE) = FALSE`
	}
	q += ` RETURNING ` + roomColumns

	r, err := scanRoom(p.pool.QueryRow(ctx, q, args...))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Room{}, err
	}
	// Nothing updated: either missing or already started.
	cur, ferr := p.FindRoom(ctx, id)
	if ferr != nil {
		return Room{}, ferr
	}
	return cur, ErrAlreadyStarted
}

func (p *Postgres) FindScenario(ctx context.Context, roomID string, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+scenarioColumns+`
		FROM scenario
		WHERE room_id::text = $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3
	`, roomID, pageSize+1, (page-1)*pageSize)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	out := Page{Page: page}
	for rows.Next() {
		ev, err := scanScenarioEvent(rows)
		if err != nil {
			return Page{}, err
		}
		out.Docs = append(out.Docs, ev)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	if len(out.Docs) > pageSize {
		out.Docs = out.Docs[:pageSize]
		out.HasNextPage = true
	}
	return out, nil
}
