// Package status serves a read-only HTTP view of a running node for
// operators and the process-level test harness.
package status
