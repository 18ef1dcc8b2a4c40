// Package storage persists task execution history and system snapshots.
//
// Two logical tables back the scheduler's durability guarantee: one row per
// task (current state) plus one row per execution attempt, and an append-only
// table of utilization snapshots. Every state transition is a single atomic
// write so a crash can never lose a task between queue and store.
package storage
