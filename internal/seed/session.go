package seed

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tilecache/internal/metrics"
)

// Progress is a point in time view of a session.
type Progress struct {
	ID         string `json:"id"`
	Layer      string `json:"layer"`
	Completed  int    `json:"completed"`
	Total      int    `json:"total"`
	Downloaded int    `json:"downloaded"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	Bytes      int64  `json:"bytes"`
	Paused     bool   `json:"paused"`
	Finished   bool   `json:"finished"`
	Error      string `json:"error,omitempty"`
}

// Session is one running seed of one layer.
type Session struct {
	id        string
	layer     string
	total     int
	workers   int
	overwrite bool
	policy    Policy
	sched     *Scheduler
	obs       Observer
	log       *log.Entry

	ctx    context.Context
	cancel context.CancelCauseFunc

	// emit serialises observer calls, mu guards the counters below
	emit       sync.Mutex
	mu         sync.Mutex
	resolved   int
	downloaded int
	skipped    int
	failed     int
	bytes      int64
	fatal      *TaskError

	gateMu sync.Mutex
	gate   chan struct{} // non nil while paused

	started time.Time
	done    chan struct{}
	summary Summary
	err     error
}

// outcomes of a resolved task
const (
	downloaded = "downloaded"
	skipped    = "skipped"
	failed     = "failed"
)

func newSession(ctx context.Context, sc *Scheduler, req Request, obs Observer, total int) *Session {
	id := sessionID()
	ctx, cancel := context.WithCancelCause(ctx)
	return &Session{
		id:        id,
		layer:     req.Layer,
		total:     total,
		workers:   sc.workers(req, total),
		overwrite: req.Overwrite,
		policy:    sc.policy(req),
		sched:     sc,
		obs:       obs,
		log:       sc.log.WithFields(log.Fields{"session": id, "layer": req.Layer}),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string    { return s.id }
func (s *Session) Layer() string { return s.layer }

// Done is closed after the terminal observer call returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends. The error is the fatal *TaskError, if
// any.
func (s *Session) Wait() (Summary, error) {
	<-s.done
	return s.summary, s.err
}

// Cancel stops dispatching new tasks. Writes already started complete.
func (s *Session) Cancel() {
	s.cancel(ErrCancelled)
}

// Pause holds back tasks not yet dispatched. In-flight tasks finish.
func (s *Session) Pause() {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
		s.log.Infof("session %s suspended", s.id)
	}
}

// Resume releases a paused session.
func (s *Session) Resume() {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
		s.log.Infof("session %s go on", s.id)
	}
}

func (s *Session) paused() bool {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	return s.gate != nil
}

// wait blocks while paused. It returns false once the session is cancelled.
func (s *Session) wait() bool {
	s.gateMu.Lock()
	gate := s.gate
	s.gateMu.Unlock()
	if gate == nil {
		return s.ctx.Err() == nil
	}
	select {
	case <-gate:
		return s.ctx.Err() == nil
	case <-s.ctx.Done():
		return false
	}
}

// Progress reports the counters so far.
func (s *Session) Progress() Progress {
	p := Progress{ID: s.id, Layer: s.layer, Total: s.total, Paused: s.paused()}
	s.mu.Lock()
	p.Completed = s.resolved
	p.Downloaded = s.downloaded
	p.Skipped = s.skipped
	p.Failed = s.failed
	p.Bytes = s.bytes
	s.mu.Unlock()
	select {
	case <-s.done:
		p.Finished = true
		if s.err != nil {
			p.Error = s.err.Error()
		}
	default:
	}
	return p
}

func (s *Session) start(tasks []Task) {
	s.started = time.Now()
	metrics.SeedActive.Inc()
	s.log.Infof("session %s started, %d tiles, %d workers", s.id, len(tasks), s.workers)
	go s.run(tasks)
}

// run dispatches tasks to at most s.workers goroutines, then waits for all
// of them before the terminal call.
func (s *Session) run(tasks []Task) {
	workers := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

dispatch:
	for _, task := range tasks {
		if !s.wait() {
			break
		}
		select {
		case workers <- struct{}{}:
			wg.Add(1)
			go func(task Task) {
				defer wg.Done()
				defer func() { <-workers }()
				s.process(task)
			}(task)
		case <-s.ctx.Done():
			break dispatch
		}
	}
	wg.Wait()
	s.finish()
}

func (s *Session) process(task Task) {
	if s.ctx.Err() != nil {
		return
	}
	if !s.overwrite {
		ok, err := s.sched.store.Exists(s.ctx, task.Key)
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(task, err)
			}
			return
		}
		if ok {
			s.resolve(skipped, 0, nil)
			return
		}
	}

	data, err := s.sched.fetcher.Fetch(s.ctx, task.URL)
	if err != nil {
		if s.ctx.Err() == nil {
			s.fail(task, err)
		}
		return
	}
	// a started write always completes, cancelled or not
	if err := s.sched.store.Write(context.WithoutCancel(s.ctx), task.Key, data); err != nil {
		s.fail(task, err)
		return
	}
	s.resolve(downloaded, len(data), nil)
}

func (s *Session) fail(task Task, err error) {
	te := &TaskError{Layer: task.Layer, Tile: task.Tile, URL: task.URL, Err: err, Fatal: s.policy.fatal(err)}
	if !te.Fatal {
		s.log.Warnf("skip tile %d/%d/%d: %v", task.Tile.Z, task.Tile.X, task.Tile.Y, err)
		s.resolve(failed, 0, te)
		return
	}

	s.mu.Lock()
	s.failed++
	first := s.fatal == nil
	if first {
		s.fatal = te
	}
	s.mu.Unlock()
	metrics.TilesResolved.WithLabelValues(s.layer, failed).Inc()

	if first {
		s.log.Errorf("abort on tile %d/%d/%d: %v", task.Tile.Z, task.Tile.X, task.Tile.Y, err)
		s.cancel(te)
	} else {
		s.log.Errorf("tile %d/%d/%d failed after abort: %v", task.Tile.Z, task.Tile.X, task.Tile.Y, err)
	}
}

// resolve accounts a finished task and reports it. te is the non fatal
// failure of a failed task.
func (s *Session) resolve(outcome string, n int, te *TaskError) {
	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	s.resolved++
	switch outcome {
	case failed:
		s.failed++
	case skipped:
		s.skipped++
	default:
		s.downloaded++
		s.bytes += int64(n)
	}
	completed, total := s.resolved, s.total
	s.mu.Unlock()

	metrics.TilesResolved.WithLabelValues(s.layer, outcome).Inc()
	if n > 0 {
		metrics.TileBytes.WithLabelValues(s.layer).Add(float64(n))
	}
	if te != nil && s.obs.OnError != nil {
		s.obs.OnError(te)
	}
	if s.obs.OnProgress != nil {
		s.obs.OnProgress(completed, total)
	}
}

func (s *Session) finish() {
	s.mu.Lock()
	s.summary = Summary{
		ID:         s.id,
		Layer:      s.layer,
		Total:      s.total,
		Downloaded: s.downloaded,
		Skipped:    s.skipped,
		Failed:     s.failed,
		Bytes:      s.bytes,
		Elapsed:    time.Since(s.started),
	}
	fatal := s.fatal
	s.mu.Unlock()

	if fatal == nil && s.ctx.Err() != nil {
		fatal = &TaskError{Layer: s.layer, Err: ErrCancelled, Fatal: true}
	}
	// release the context resources
	s.cancel(nil)

	s.sched.release(s)
	metrics.SeedActive.Dec()

	s.emit.Lock()
	if fatal != nil {
		s.err = fatal
		result := "failed"
		if errors.Is(fatal.Err, ErrCancelled) {
			result = "cancelled"
		}
		observeResult(s.layer, result)
		s.log.Warnf("session %s ended: %v", s.id, fatal)
		if s.obs.OnError != nil {
			s.obs.OnError(fatal)
		}
	} else {
		observeResult(s.layer, "done")
		s.log.Infof("session %s finished, %d downloaded, %d skipped, %d failed, %.2f kb",
			s.id, s.summary.Downloaded, s.summary.Skipped, s.summary.Failed, float32(s.summary.Bytes)/1024.0)
		if s.obs.OnDone != nil {
			s.obs.OnDone(s.summary)
		}
	}
	s.emit.Unlock()
	close(s.done)
}
