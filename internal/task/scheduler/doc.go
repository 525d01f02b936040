// Package scheduler runs registered tasks in priority order while honoring
// their cadence.
//
// The loop keeps two collections: a ready queue ordered by priority and a
// waiting set ordered by the time each periodic entry becomes eligible again.
// Every cycle drains the ready queue, executing eligible entries, then moves
// due entries from the waiting set back into the ready queue. When nothing is
// ready it sleeps until the earliest due time, capped by the idle interval.
//
// Run returns nil once every one-time entry has executed and no periodic
// entries remain; with a periodic entry registered it runs until its context
// is cancelled.
package scheduler
