// Package scheduler is the durable half of the job system.
//
// It persists jobs in storage, decides when they are due (a cron-driven poll
// plus precise wake timers for future run times) and hands due jobs to the
// task engine, recording the final outcome back in storage.
package scheduler
