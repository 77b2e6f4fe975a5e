// Package seed downloads the tile pyramid around a point into storage.
//
// A Scheduler owns at most one running Session per layer. A session
// enumerates its tasks up front, skips tiles already stored, and dispatches
// the rest to a bounded set of goroutines that fetch and write each tile.
// Progress, per task failures and the terminal result are reported through
// an Observer.
package seed

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"

	"tilecache/internal/cacheerr"
)

// Defaults applied when neither the request nor the scheduler options set a
// value.
const (
	DefaultWorkers    = 4
	DefaultMaxWorkers = 16
	DefaultMaxTiles   = 900
)

// ErrCancelled is the cause carried by the terminal error of a cancelled
// session.
var ErrCancelled = errors.New("seeding cancelled")

// ErrorPolicy decides what a failed task does to its session.
type ErrorPolicy int

const (
	// Abort ends the session on the first failure.
	Abort ErrorPolicy = iota
	// Skip reports the failure and carries on.
	Skip
)

func (p ErrorPolicy) String() string {
	if p == Skip {
		return "skip"
	}
	return "abort"
}

// ParseErrorPolicy accepts "abort" or "skip".
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "abort", "":
		return Abort, nil
	case "skip":
		return Skip, nil
	}
	return Abort, cacheerr.Invalid("onerror", "%q is neither abort nor skip", s)
}

// Policy is fixed when a session starts.
type Policy struct {
	OnError ErrorPolicy
	// TolerateNotFound reports tiles the server does not have as non fatal
	// failures, even under Abort.
	TolerateNotFound bool
}

func (p Policy) fatal(err error) bool {
	if p.OnError == Skip {
		return false
	}
	return !(p.TolerateNotFound && cacheerr.IsNotFound(err))
}

// Request describes one seeding run. Zero MaxTiles and Concurrency, and a
// nil Policy, take the scheduler defaults. MaxTiles can only lower the
// scheduler cap and Concurrency is bounded by Options.MaxWorkers.
type Request struct {
	Layer       string  `json:"layer"`
	Lon         float64 `json:"lon"`
	Lat         float64 `json:"lat"`
	ZoomMin     int     `json:"zmin"`
	ZoomMax     int     `json:"zmax"`
	MaxTiles    int     `json:"maxtiles,omitempty"`
	Concurrency int     `json:"concurrency,omitempty"`
	Overwrite   bool    `json:"overwrite,omitempty"`
	Policy      *Policy `json:"-"`
}

// Task is one tile to bring into storage.
type Task struct {
	Layer string
	Tile  maptile.Tile
	URL   string
	Key   string
}

// TaskError reports a failed task. A fatal TaskError is always the last
// thing an Observer hears from its session.
type TaskError struct {
	Layer string
	Tile  maptile.Tile
	URL   string
	Err   error
	Fatal bool
}

func (e *TaskError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("seed %s: %v", e.Layer, e.Err)
	}
	return fmt.Sprintf("seed %s tile %d/%d/%d: %v", e.Layer, e.Tile.Z, e.Tile.X, e.Tile.Y, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Summary is delivered once a session resolves every task.
type Summary struct {
	ID         string        `json:"id"`
	Layer      string        `json:"layer"`
	Total      int           `json:"total"`
	Downloaded int           `json:"downloaded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Bytes      int64         `json:"bytes"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Observer receives session events. Calls are serialised, and every nil
// field is ignored.
type Observer struct {
	OnProgress func(completed, total int)
	OnError    func(*TaskError)
	OnDone     func(Summary)
}
