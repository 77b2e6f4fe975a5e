package seed

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/cacheerr"
	"tilecache/internal/layer"
	"tilecache/internal/storage"
)

// Corvallis, OR; its zoom 10 tile is 161/370
const lon, lat = -123.1712, 44.5875

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fail  map[string]error
	// the first free calls return at once, later ones wait for block
	free    int
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	err := f.fail[url]
	f.mu.Unlock()

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil && n > f.free {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, &cacheerr.NetworkError{Kind: cacheerr.KindConnection, URL: url, Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte("tile " + url), nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu       sync.Mutex
	progress [][2]int
	errs     []*TaskError
	done     []Summary
	events   []string
}

func (r *recorder) observer() Observer {
	return Observer{
		OnProgress: func(completed, total int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, [2]int{completed, total})
			r.events = append(r.events, "progress")
		},
		OnError: func(te *TaskError) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, te)
			if te.Fatal {
				r.events = append(r.events, "fatal")
			} else {
				r.events = append(r.events, "error")
			}
		},
		OnDone: func(s Summary) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.done = append(r.done, s)
			r.events = append(r.events, "done")
		},
	}
}

func (r *recorder) terminal(t *testing.T) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, e := range r.events {
		if e == "done" || e == "fatal" {
			n++
		}
	}
	require.Equal(t, 1, n, "exactly one terminal event: %v", r.events)
	last := r.events[len(r.events)-1]
	require.Contains(t, []string{"done", "fatal"}, last)
	return last
}

func newTestScheduler(t *testing.T, store storage.Provider, f *fakeFetcher, opts Options) *Scheduler {
	reg := layer.NewRegistry("http://127.0.0.1:8088/tiles")
	require.NoError(t, reg.Register(layer.Descriptor{Name: "osm", URL: "http://tiles.test/{z}/{x}/{y}.png", MaxZoom: 18}))
	require.NoError(t, reg.Register(layer.Descriptor{Name: "sat", URL: "http://sat.test/{z}/{x}/{y}.jpg", MaxZoom: 18}))
	return NewScheduler(reg, store, f, opts)
}

func TestSeedPyramid(t *testing.T) {
	store := storage.NewMemory()
	f := &fakeFetcher{}
	sc := newTestScheduler(t, store, f, Options{Workers: 8})
	rec := &recorder{}

	s, err := sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10}, rec.observer())
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "osm", s.Layer())

	sum, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, "done", rec.terminal(t))
	assert.Equal(t, 25, sum.Total)
	assert.Equal(t, 25, sum.Downloaded)
	assert.Zero(t, sum.Skipped)
	assert.Equal(t, 25, f.count())
	assert.Equal(t, []Summary{sum}, rec.done)

	// progress is monotonic and reaches the total exactly once
	require.Len(t, rec.progress, 25)
	var complete int
	for i, p := range rec.progress {
		assert.Equal(t, i+1, p[0])
		assert.Equal(t, 25, p[1])
		if p[0] == p[1] {
			complete++
		}
	}
	assert.Equal(t, 1, complete)

	keys, err := store.List(context.Background(), "osm")
	require.NoError(t, err)
	assert.Len(t, keys, 25)
	assert.Contains(t, keys, "osm/10/161/370.png")

	data, err := store.Read(context.Background(), "osm/10/161/370.png")
	require.NoError(t, err)
	assert.Equal(t, "tile http://tiles.test/10/161/370.png", string(data))

	p := s.Progress()
	assert.True(t, p.Finished)
	assert.Equal(t, 25, p.Completed)
	assert.Empty(t, p.Error)
	assert.Empty(t, sc.Active())
}

func TestReseedIsIdempotent(t *testing.T) {
	store := storage.NewMemory()
	f := &fakeFetcher{}
	sc := newTestScheduler(t, store, f, Options{})
	req := Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 11}

	s, err := sc.Seed(context.Background(), req, Observer{})
	require.NoError(t, err)
	first, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, 25+81, first.Downloaded)
	fetched := f.count()

	s, err = sc.Seed(context.Background(), req, Observer{})
	require.NoError(t, err)
	second, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, fetched, f.count(), "no network on reseed")
	assert.Equal(t, first.Total, second.Skipped)
	assert.Zero(t, second.Downloaded)

	req.Overwrite = true
	s, err = sc.Seed(context.Background(), req, Observer{})
	require.NoError(t, err)
	third, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, first.Total, third.Downloaded)
	assert.Equal(t, 2*fetched, f.count())
}

func TestSeedQuota(t *testing.T) {
	store := storage.NewMemory()
	f := &fakeFetcher{}
	sc := newTestScheduler(t, store, f, Options{MaxTiles: 100})
	rec := &recorder{}

	_, err := sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 11}, rec.observer())
	var quota *cacheerr.QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 106, quota.Requested)
	assert.Equal(t, 100, quota.Limit)

	// a request cap can lower the scheduler cap
	_, err = sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10, MaxTiles: 10}, rec.observer())
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 10, quota.Limit)

	// but never raise it
	_, err = sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 11, MaxTiles: 1000000}, rec.observer())
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 100, quota.Limit)

	assert.Zero(t, f.count())
	keys, err := store.List(context.Background(), "osm")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Empty(t, rec.events)
}

func TestSeedWorkerLimits(t *testing.T) {
	sc := newTestScheduler(t, storage.NewMemory(), &fakeFetcher{}, Options{Workers: 2, MaxWorkers: 3})
	cases := []struct {
		concurrency int
		zmax        int
		want        int
	}{
		{0, 11, 2},
		{1, 11, 1},
		{500, 11, 3},
	}
	for _, c := range cases {
		s, err := sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: c.zmax, Concurrency: c.concurrency}, Observer{})
		require.NoError(t, err)
		assert.Equal(t, c.want, s.workers, "concurrency %d", c.concurrency)
		_, err = s.Wait()
		require.NoError(t, err)
	}

	// never more workers than tiles
	sc = newTestScheduler(t, storage.NewMemory(), &fakeFetcher{}, Options{MaxWorkers: 64})
	s, err := sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10, Concurrency: 64}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, 25, s.workers)
	_, err = s.Wait()
	require.NoError(t, err)
}

func TestSeedValidation(t *testing.T) {
	f := &fakeFetcher{}
	sc := newTestScheduler(t, storage.NewMemory(), f, Options{})
	bad := []Request{
		{Layer: "nope", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10},
		{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 12, ZoomMax: 10},
		{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 18, ZoomMax: 19},
		{Layer: "osm", Lon: lon, Lat: 95, ZoomMin: 10, ZoomMax: 10},
		{Layer: "osm", Lon: 200, Lat: lat, ZoomMin: 10, ZoomMax: 10},
	}
	for _, req := range bad {
		_, err := sc.Seed(context.Background(), req, Observer{})
		assert.True(t, cacheerr.IsValidation(err), "%+v: %v", req, err)
	}
	assert.Zero(t, f.count())
	assert.Empty(t, sc.Active())
}

func TestSeedConflict(t *testing.T) {
	f := &fakeFetcher{block: make(chan struct{}), entered: make(chan struct{}, 64)}
	sc := newTestScheduler(t, storage.NewMemory(), f, Options{Workers: 2})
	req := Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10}

	s, err := sc.Seed(context.Background(), req, Observer{})
	require.NoError(t, err)
	<-f.entered

	_, err = sc.Seed(context.Background(), req, Observer{})
	var conflict *cacheerr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, s.ID(), conflict.SessionID)

	// other layers are independent
	other, err := sc.Seed(context.Background(), Request{Layer: "sat", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10}, Observer{})
	require.NoError(t, err)

	active := sc.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "osm", active[0].Layer())
	got, ok := sc.Session(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	close(f.block)
	_, err = s.Wait()
	require.NoError(t, err)
	_, err = other.Wait()
	require.NoError(t, err)

	// finished sessions free the layer but stay visible
	s2, err := sc.Seed(context.Background(), req, Observer{})
	require.NoError(t, err)
	_, err = s2.Wait()
	require.NoError(t, err)
	_, ok = sc.Session(s.ID())
	assert.True(t, ok)
}

func TestSeedAbort(t *testing.T) {
	boom := &cacheerr.NetworkError{Kind: cacheerr.KindStatus, URL: "http://tiles.test/10/159/368.png", StatusCode: 500}
	f := &fakeFetcher{fail: map[string]error{boom.URL: boom}}
	store := storage.NewMemory()
	sc := newTestScheduler(t, store, f, Options{Workers: 1})
	rec := &recorder{}

	s, err := sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10}, rec.observer())
	require.NoError(t, err)
	_, err = s.Wait()

	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Fatal)
	assert.Equal(t, boom.URL, te.URL)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "fatal", rec.terminal(t))
	assert.Empty(t, rec.done)
	assert.Equal(t, 1, f.count(), "first tile fails, nothing else is fetched")

	keys, err := store.List(context.Background(), "osm")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.NotEmpty(t, s.Progress().Error)
}

func TestSeedSkip(t *testing.T) {
	url := "http://tiles.test/10/161/370.png"
	f := &fakeFetcher{fail: map[string]error{
		url: &cacheerr.NetworkError{Kind: cacheerr.KindConnection, URL: url, Err: errors.New("connection refused")},
	}}
	sc := newTestScheduler(t, storage.NewMemory(), f, Options{Policy: Policy{OnError: Skip}})
	rec := &recorder{}

	s, err := sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10}, rec.observer())
	require.NoError(t, err)
	sum, err := s.Wait()
	require.NoError(t, err)

	assert.Equal(t, "done", rec.terminal(t))
	assert.Equal(t, 24, sum.Downloaded)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, rec.errs, 1)
	assert.False(t, rec.errs[0].Fatal)
	assert.Equal(t, [2]int{25, 25}, rec.progress[len(rec.progress)-1])
}

func TestSeedToleratesNotFound(t *testing.T) {
	url := "http://tiles.test/10/161/370.png"
	f := &fakeFetcher{fail: map[string]error{
		url: &cacheerr.NetworkError{Kind: cacheerr.KindNotFound, URL: url, StatusCode: 404},
	}}
	sc := newTestScheduler(t, storage.NewMemory(), f, Options{})
	rec := &recorder{}

	policy := Policy{OnError: Abort, TolerateNotFound: true}
	s, err := sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10, Policy: &policy}, rec.observer())
	require.NoError(t, err)
	sum, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 24, sum.Downloaded)

	// without tolerance the same miss aborts
	rec = &recorder{}
	policy.TolerateNotFound = false
	s, err = sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10, Policy: &policy}, rec.observer())
	require.NoError(t, err)
	_, err = s.Wait()
	assert.True(t, cacheerr.IsNotFound(err))
	assert.Equal(t, "fatal", rec.terminal(t))
}

func TestSeedCancelLeavesCompleteTiles(t *testing.T) {
	root := t.TempDir()
	store, err := storage.NewFiles(root)
	require.NoError(t, err)
	f := &fakeFetcher{free: 5, block: make(chan struct{}), entered: make(chan struct{}, 64)}
	sc := newTestScheduler(t, store, f, Options{Workers: 4})
	rec := &recorder{}

	s, err := sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 11}, rec.observer())
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		<-f.entered
	}
	s.Cancel()

	sum, err := s.Wait()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, "fatal", rec.terminal(t))
	assert.Empty(t, rec.done)
	assert.Less(t, sum.Downloaded, sum.Total)

	keys, err := store.List(context.Background(), "osm")
	require.NoError(t, err)
	assert.Len(t, keys, sum.Downloaded)
	for _, k := range keys {
		data, err := store.Read(context.Background(), k)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "tile http://tiles.test/"), k)
	}

	var temps []string
	filepath.WalkDir(store.Root(), func(p string, d fs.DirEntry, err error) error {
		if err == nil && strings.HasPrefix(d.Name(), ".tile-") {
			temps = append(temps, p)
		}
		return nil
	})
	assert.Empty(t, temps)
	assert.Empty(t, sc.Active())
}

func TestSeedPauseResume(t *testing.T) {
	f := &fakeFetcher{block: make(chan struct{}), entered: make(chan struct{}, 64)}
	sc := newTestScheduler(t, storage.NewMemory(), f, Options{Workers: 1})

	s, err := sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10}, Observer{})
	require.NoError(t, err)
	<-f.entered
	s.Pause()
	assert.True(t, s.Progress().Paused)
	close(f.block)

	// at most the task already handed to a worker slips through
	time.Sleep(100 * time.Millisecond)
	held := f.count()
	assert.LessOrEqual(t, held, 2)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, held, f.count())

	s.Resume()
	assert.False(t, s.Progress().Paused)
	sum, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, 25, sum.Downloaded)
}

// failingStore fails every Write, or every Exists, with an IOError.
type failingStore struct {
	*storage.Memory
	failWrite  bool
	failExists bool
}

func (s *failingStore) Write(ctx context.Context, key string, data []byte) error {
	if s.failWrite {
		return cacheerr.IO("write", key, errors.New("disk full"))
	}
	return s.Memory.Write(ctx, key, data)
}

func (s *failingStore) Exists(ctx context.Context, key string) (bool, error) {
	if s.failExists {
		return false, cacheerr.IO("stat", key, errors.New("permission denied"))
	}
	return s.Memory.Exists(ctx, key)
}

func TestSeedWriteFailureAborts(t *testing.T) {
	f := &fakeFetcher{}
	store := &failingStore{Memory: storage.NewMemory(), failWrite: true}
	sc := newTestScheduler(t, store, f, Options{Workers: 1})
	rec := &recorder{}

	s, err := sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10}, rec.observer())
	require.NoError(t, err)
	sum, err := s.Wait()

	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Fatal)
	assert.True(t, cacheerr.IsIO(err))
	assert.Equal(t, "fatal", rec.terminal(t))
	assert.Empty(t, rec.progress, "a fetched tile that was not written is not progress")
	assert.Zero(t, sum.Downloaded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, f.count())
}

func TestSeedWriteFailureSkipped(t *testing.T) {
	f := &fakeFetcher{}
	store := &failingStore{Memory: storage.NewMemory(), failWrite: true}
	sc := newTestScheduler(t, store, f, Options{Policy: Policy{OnError: Skip}})
	rec := &recorder{}

	s, err := sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10}, rec.observer())
	require.NoError(t, err)
	sum, err := s.Wait()
	require.NoError(t, err)

	assert.Equal(t, "done", rec.terminal(t))
	assert.Zero(t, sum.Downloaded)
	assert.Equal(t, 25, sum.Failed)
	require.Len(t, rec.errs, 25)
	for _, te := range rec.errs {
		assert.False(t, te.Fatal)
		assert.True(t, cacheerr.IsIO(te))
	}
	assert.Equal(t, [2]int{25, 25}, rec.progress[len(rec.progress)-1])
}

func TestSeedExistsFailure(t *testing.T) {
	f := &fakeFetcher{}
	store := &failingStore{Memory: storage.NewMemory(), failExists: true}
	sc := newTestScheduler(t, store, f, Options{Workers: 1})
	rec := &recorder{}

	s, err := sc.Seed(context.Background(), Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10}, rec.observer())
	require.NoError(t, err)
	_, err = s.Wait()

	assert.True(t, cacheerr.IsIO(err))
	assert.Equal(t, "fatal", rec.terminal(t))
	assert.Zero(t, f.count())
}

func TestReserveBlocksSeeding(t *testing.T) {
	f := &fakeFetcher{block: make(chan struct{}), entered: make(chan struct{}, 64)}
	sc := newTestScheduler(t, storage.NewMemory(), f, Options{Workers: 1})
	req := Request{Layer: "osm", Lon: lon, Lat: lat, ZoomMin: 10, ZoomMax: 10}

	release, err := sc.Reserve("osm")
	require.NoError(t, err)
	_, err = sc.Seed(context.Background(), req, Observer{})
	var conflict *cacheerr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Empty(t, conflict.SessionID)
	_, err = sc.Reserve("osm")
	assert.True(t, cacheerr.IsConflict(err))
	assert.Zero(t, f.count())

	release()
	release()

	s, err := sc.Seed(context.Background(), req, Observer{})
	require.NoError(t, err)
	<-f.entered
	_, err = sc.Reserve("osm")
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, s.ID(), conflict.SessionID)

	close(f.block)
	_, err = s.Wait()
	require.NoError(t, err)
	release, err = sc.Reserve("osm")
	require.NoError(t, err)
	release()
}

func TestParseErrorPolicy(t *testing.T) {
	p, err := ParseErrorPolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, Skip, p)

	p, err = ParseErrorPolicy("")
	require.NoError(t, err)
	assert.Equal(t, Abort, p)

	_, err = ParseErrorPolicy("retry")
	assert.True(t, cacheerr.IsValidation(err))
}
