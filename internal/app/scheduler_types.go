package app

import (
	"roomcast/internal/storage"
	sch "roomcast/internal/task/scheduler"
)

// Re-exported so the CLI can talk to the queue through App alone.
type (
	Handle    = sch.Handle
	Snapshot  = sch.Snapshot
	Job       = storage.Job
	JobFilter = storage.JobFilter
	JobStatus = storage.JobStatus
)

var ParseJobStatus = storage.ParseStatus
