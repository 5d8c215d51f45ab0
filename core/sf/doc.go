// Package sf is a typed wrapper around golang.org/x/sync/singleflight.
// The event store cache uses it so that a burst of loads for a cold
// aggregate scans the log once.
package sf
