package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"roomcast/internal/cms"
	"roomcast/internal/lifecycle"
	"roomcast/internal/playback"
	"roomcast/internal/storage"
	"roomcast/internal/task/scheduler"
	logx "roomcast/pkg/logx"
)

// Lifecycle is the room lifecycle hook.
type Lifecycle interface {
	OnScheduleChange(ctx context.Context, roomID string, prev, next *time.Time) (lifecycle.ScheduleResult, error)
	SetSchedule(ctx context.Context, roomID string, at *time.Time) (lifecycle.ScheduleResult, error)
	StartNow(ctx context.Context, roomID string, force bool) (scheduler.Handle, error)
	Stop(ctx context.Context, roomID string) (lifecycle.StopResult, error)
}

// Jobs is the read/cancel side of the durable job queue.
type Jobs interface {
	List(ctx context.Context, f storage.JobFilter) ([]storage.Job, error)
	Get(ctx context.Context, id string) (storage.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// Runs reports a room's latest playback run.
type Runs interface {
	Pending(roomID string) (playback.RunInfo, bool)
}

// Deps are the services behind the API. Deliveries and Health may be nil.
type Deps struct {
	Lifecycle  Lifecycle
	Jobs       Jobs
	Runs       Runs
	Deliveries storage.DeliveryLog
	// Health returns per-component status; any error makes /healthz return 503.
	Health func(ctx context.Context) map[string]error
}

// API holds the HTTP handlers.
type API struct {
	d   Deps
	log logx.Logger
}

func NewAPI(d Deps, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{d: d, log: log.With(logx.String("comp", "http"))}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps domain errors to HTTP statuses.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cms.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, playback.ErrNoRoom):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		a.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body strictly. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if a.d.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	checks := a.d.Health(r.Context())
	status := http.StatusOK
	out := map[string]any{"status": "ok"}
	comps := map[string]string{}
	for name, err := range checks {
		if err != nil {
			status = http.StatusServiceUnavailable
			out["status"] = "degraded"
			comps[name] = err.Error()
			continue
		}
		comps[name] = "ok"
	}
	if len(comps) > 0 {
		out["components"] = comps
	}
	writeJSON(w, status, out)
}

type startRequest struct {
	Force bool `json:"force"`
}

func (a *API) startRoom(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	h, err := a.d.Lifecycle.StartNow(r.Context(), chi.URLParam(r, "id"), req.Force)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h)
}

type scheduleRequest struct {
	ScheduledDate *time.Time `json:"scheduledDate"`
}

func (a *API) scheduleRoom(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	res, err := a.d.Lifecycle.SetSchedule(r.Context(), chi.URLParam(r, "id"), req.ScheduledDate)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) stopRoom(w http.ResponseWriter, r *http.Request) {
	res, err := a.d.Lifecycle.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) roomPlayback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if a.d.Runs == nil {
		writeJSON(w, http.StatusOK, playback.RunInfo{RoomID: id})
		return
	}
	info, _ := a.d.Runs.Pending(id)
	writeJSON(w, http.StatusOK, info)
}

func (a *API) roomDeliveries(w http.ResponseWriter, r *http.Request) {
	if a.d.Deliveries == nil {
		writeError(w, http.StatusNotImplemented, "delivery log disabled")
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 1000)
	}
	ds, err := a.d.Deliveries.ListDeliveries(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if ds == nil {
		ds = []storage.Delivery{}
	}
	writeJSON(w, http.StatusOK, ds)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f storage.JobFilter
	if s := strings.TrimSpace(q.Get("status")); s != "" {
		st, ok := storage.ParseStatus(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status: "+s)
			return
		}
		f.Status = st
	}
	f.Name = q.Get("name")
	f.Key = q.Get("key")
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	jobs, err := a.d.Jobs.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []storage.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := a.d.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := a.d.Jobs.Cancel(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "job is not queued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "canceled": true})
}

// docID is a CMS document id. Postgres-backed collections use serial
// numeric ids; other adapters send strings.
type docID string

func (d *docID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = docID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("id must be a string or a number")
	}
	*d = docID(n.String())
	return nil
}

// roomDoc is the part of a CMS room document the webhook reads.
type roomDoc struct {
	ID            docID      `json:"id"`
	ScheduledDate *time.Time `json:"scheduledDate"`
}

type roomHookRequest struct {
	Doc         *roomDoc `json:"doc"`
	PreviousDoc *roomDoc `json:"previousDoc"`
}

// roomHook is the CMS after-change hook. The CMS has already written the
// room; only the schedule transition is applied here.
func (a *API) roomHook(w http.ResponseWriter, r *http.Request) {
	var req roomHookRequest
	dec := json.NewDecoder(r.Body)
	// CMS documents carry many fields this hook ignores.
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Doc == nil || strings.TrimSpace(string(req.Doc.ID)) == "" {
		writeError(w, http.StatusBadRequest, "doc.id required")
		return
	}
	var prev *time.Time
	if req.PreviousDoc != nil {
		prev = req.PreviousDoc.ScheduledDate
	}
	res, err := a.d.Lifecycle.OnScheduleChange(r.Context(), string(req.Doc.ID), prev, req.Doc.ScheduledDate)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
