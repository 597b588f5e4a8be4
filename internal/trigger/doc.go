// Package trigger fires named tasks on cron or interval schedules.
//
// The trigger service only decides when; every run is submitted to a scheduler
// lane which does the executing. A trigger never queues a second run while its
// previous run is still queued or running.
package trigger
