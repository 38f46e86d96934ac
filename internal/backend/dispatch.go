package backend

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// DefaultPoolWorkers bounds how many backend calls run at once when the
	// engine shares one pool across collections.
	DefaultPoolWorkers = 4

	// DefaultCallTimeout caps a single dispatched call, queue wait included.
	DefaultCallTimeout = 5 * time.Second
)

// ErrPoolClosed is returned by Do after Close.
var ErrPoolClosed = errors.New("backend: dispatch pool closed")

// Pool runs backend calls on a fixed set of workers. Callers block until
// their call finishes, times out or their context is cancelled; the pool
// only bounds how much index work runs at once.
type Pool struct {
	tasks   chan func()
	done    chan struct{}
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewPool starts a pool. Non-positive arguments take the defaults.
func NewPool(workers int, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = DefaultPoolWorkers
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	p := &Pool{
		tasks:   make(chan func()),
		done:    make(chan struct{}),
		timeout: timeout,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.done:
			return
		}
	}
}

// Do runs fn on a pool worker and waits for its error. The context handed
// to fn carries the pool timeout, so a call that outlives it both returns
// early here and is cancelled inside the backend.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reply := make(chan error, 1)
	task := func() {
		reply <- fn(ctx)
	}

	select {
	case p.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers once their current task returns. Calls still
// waiting for a worker fail with ErrPoolClosed.
func (p *Pool) Close() {
	close(p.done)
	p.wg.Wait()
}

// dispatched routes per-call operations of a backend through a Pool. Load
// and Close stay direct: they run on the open and shutdown paths, which the
// engine already serializes, and a bulk rebuild must not race the call
// timeout.
type dispatched struct {
	b    Backend
	pool *Pool
}

// wrapDispatched returns b unchanged when pool is nil.
func wrapDispatched(b Backend, pool *Pool) Backend {
	if pool == nil {
		return b
	}
	return &dispatched{b: b, pool: pool}
}

func (d *dispatched) Insert(ctx context.Context, id string, vector []float32, metadata map[string]any) error {
	return d.pool.Do(ctx, func(ctx context.Context) error {
		return d.b.Insert(ctx, id, vector, metadata)
	})
}

func (d *dispatched) BatchInsert(ctx context.Context, recs []Record) (BatchReport, error) {
	var report BatchReport
	err := d.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		report, err = d.b.BatchInsert(ctx, recs)
		return err
	})
	return report, err
}

func (d *dispatched) Search(ctx context.Context, query []float32, k int, filter Filter) ([]Match, error) {
	var out []Match
	err := d.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = d.b.Search(ctx, query, k, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *dispatched) Delete(ctx context.Context, id string) error {
	return d.pool.Do(ctx, func(ctx context.Context) error {
		return d.b.Delete(ctx, id)
	})
}

func (d *dispatched) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := d.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		st, err = d.b.Stats(ctx)
		return err
	})
	return st, err
}

func (d *dispatched) Load(ctx context.Context, recs []Record) error {
	return d.b.Load(ctx, recs)
}

func (d *dispatched) Close() error {
	return d.b.Close()
}

func (d *dispatched) SaveSnapshot(ctx context.Context, epoch uint64) error {
	if s, ok := d.b.(Snapshotter); ok {
		return s.SaveSnapshot(ctx, epoch)
	}
	return nil
}

func (d *dispatched) RestoreSnapshot(ctx context.Context) (uint64, error) {
	if s, ok := d.b.(Snapshotter); ok {
		return s.RestoreSnapshot(ctx)
	}
	return 0, ErrNoSnapshot
}

var (
	_ Backend     = (*dispatched)(nil)
	_ Snapshotter = (*dispatched)(nil)
)
