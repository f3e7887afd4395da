package cms

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

func f64(v float64) *float64 { return &v }

func TestOffsetSecondsCoercion(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   *float64
		want float64
	}{
		{"missing", nil, 0},
		{"negative", f64(-5), 0},
		{"nan", f64(math.NaN()), 0},
		{"inf", f64(math.Inf(1)), 0},
		{"fraction", f64(1.5), 1.5},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := (ScenarioEvent{Seconds: tc.in}).OffsetSeconds(); got != tc.want {
				t.Fatalf("OffsetSeconds = %v, want %v", got, tc.want)
			}
		})
	}
}

func exerciseStore(t *testing.T, st Store, seed func(Room, ...ScenarioEvent)) {
	t.Helper()
	ctx := context.Background()
	roomID := "room-" + uuid.NewString()

	var evs []ScenarioEvent
	for i := 0; i < 5; i++ {
		evs = append(evs, ScenarioEvent{ID: uuid.NewString(), Username: "bot", Message: fmt.Sprintf("m%d", i), Seconds: f64(float64(5 - i))})
	}
	seed(Room{ID: roomID, Name: "demo", Type: RoomAuto}, evs...)

	if _, err := st.FindRoom(ctx, "nope-"+roomID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindRoom missing err = %v", err)
	}

	p1, err := st.FindScenario(ctx, roomID, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	p3, err := st.FindScenario(ctx, roomID, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(p1.Docs) != 2 || !p1.HasNextPage || p1.Docs[0].Message != "m0" {
		t.Fatalf("page1 = %+v", p1)
	}
	if len(p3.Docs) != 1 || p3.HasNextPage || p3.Docs[0].Message != "m4" {
		t.Fatalf("page3 = %+v", p3)
	}

	startedAt := time.Now().UTC().Truncate(time.Millisecond)
	r, err := st.UpdateRoom(ctx, roomID, RoomPatch{Started: Bool(true), StartedAt: &startedAt, IfNotStarted: true})
	if err != nil {
		t.Fatalf("mark live: %v", err)
	}
	if !r.Started || r.StartedAt == nil || !r.StartedAt.Equal(startedAt) {
		t.Fatalf("room after mark live = %+v", r)
	}
	if _, err := st.UpdateRoom(ctx, roomID, RoomPatch{Started: Bool(true), StartedAt: &startedAt, IfNotStarted: true}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second mark live err = %v", err)
	}

	sched := startedAt.Add(time.Hour)
	r, err = st.UpdateRoom(ctx, roomID, RoomPatch{ScheduledDate: &sched, Started: Bool(false)})
	if err != nil || r.Started || r.ScheduledDate == nil || !r.ScheduledDate.Equal(sched) {
		t.Fatalf("reschedule = %+v, %v", r, err)
	}
	r, err = st.UpdateRoom(ctx, roomID, RoomPatch{ClearSchedule: true})
	if err != nil || r.ScheduledDate != nil {
		t.Fatalf("clear schedule = %+v, %v", r, err)
	}
	if _, err := st.UpdateRoom(ctx, "nope-"+roomID, RoomPatch{Started: Bool(true)}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing err = %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	exerciseStore(t, m, func(r Room, evs ...ScenarioEvent) {
		m.PutRoom(r)
		m.AddEvents(r.ID, evs...)
	})
}

func TestMemoryFault(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	m.PutRoom(Room{ID: "r"})
	boom := errors.New("boom")
	m.Fault = func(op, roomID string, page int) error {
		if op == "find_scenario" && page == 2 {
			return boom
		}
		return nil
	}
	if _, err := m.FindScenario(context.Background(), "r", 1, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := m.FindScenario(context.Background(), "r", 2, 10); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

// Runs against a real database when ROOMCAST_TEST_DATABASE_URI is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ROOMCAST_TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("ROOMCAST_TEST_DATABASE_URI not set")
	}
	ctx := context.Background()
	pg, err := NewPostgres(ctx, dsn, true)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer pg.Close()

	exerciseStore(t, pg, func(r Room, evs ...ScenarioEvent) {
		if _, err := pg.pool.Exec(ctx, `INSERT INTO rooms(id, name, type) VALUES($1, $2, $3)`, r.ID, r.Name, string(r.Type)); err != nil {
			t.Fatalf("seed room: %v", err)
		}
		base := time.Now()
		for i, ev := range evs {
			if _, err := pg.pool.Exec(ctx,
				`INSERT INTO scenario(id, room_id, username, message, seconds, created_at) VALUES($1,$2,$3,$4,$5,$6)`,
				ev.ID, r.ID, ev.Username, ev.Message, ev.Seconds, base.Add(time.Duration(i)*time.Millisecond),
			); err != nil {
				t.Fatalf("seed event: %v", err)
			}
		}
	})
}

// fakeRow scans fixed column values; a nil value leaves the destination zero.
type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r))
	}
	for i, v := range r {
		if v == nil {
			continue
		}
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

func TestScanScenarioEventNullableColumns(t *testing.T) {
	cases := []struct {
		name string
		row  fakeRow
		want ScenarioEvent
	}{
		{
			name: "all set",
			row:  fakeRow{"e1", "12", pgtype.Text{String: "ana", Valid: true}, pgtype.Text{String: "hi", Valid: true}, f64(3)},
			want: ScenarioEvent{ID: "e1", RoomID: "12", Username: "ana", Message: "hi", Seconds: f64(3)},
		},
		{
			name: "null author and seconds",
			row:  fakeRow{"e2", "12", pgtype.Text{}, pgtype.Text{String: "hello", Valid: true}, nil},
			want: ScenarioEvent{ID: "e2", RoomID: "12", Message: "hello"},
		},
		{
			name: "null message",
			row:  fakeRow{"e3", "12", pgtype.Text{String: "bo", Valid: true}, pgtype.Text{}, f64(0)},
			want: ScenarioEvent{ID: "e3", RoomID: "12", Username: "bo", Seconds: f64(0)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := scanScenarioEvent(tc.row)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestScanRoomNullableColumns(t *testing.T) {
	now := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		name string
		row  fakeRow
		want Room
	}{
		{
			name: "serial id with owner",
			row: fakeRow{"12", pgtype.Text{String: "Demo", Valid: true}, pgtype.Text{String: "7", Valid: true},
				pgtype.Text{String: "auto", Valid: true}, &now, pgtype.Bool{Bool: true, Valid: true}, &now, nil, now},
			want: Room{ID: "12", Name: "Demo", Owner: "7", Type: "auto", ScheduledDate: &now, Started: true, StartedAt: &now, UpdatedAt: now},
		},
		{
			name: "null owner and started flag",
			row:  fakeRow{"13", pgtype.Text{String: "Other", Valid: true}, pgtype.Text{}, pgtype.Text{}, nil, pgtype.Bool{}, nil, nil, now},
			want: Room{ID: "13", Name: "Other", UpdatedAt: now},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := scanRoom(tc.row)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}
