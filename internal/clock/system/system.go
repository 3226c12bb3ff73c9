// Package system supplies the wall clock injected wherever the pipeline
// makes scheduling or freshness decisions.
package system

import "time"

// Clock implements scrape.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current wall-clock time, normalized to UTC like every
// timestamp the state store persists.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
