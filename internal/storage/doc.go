// Package storage keeps a journal of task runs.
//
// The journal is write-mostly diagnostics: RecentRuns exists for operators
// and tests, and nothing reads it back into scheduler state.
package storage
