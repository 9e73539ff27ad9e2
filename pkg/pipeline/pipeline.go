// Package pipeline runs conversions on a bounded worker pool with
// single-flight deduplication: one encode per artifact key at any
// instant, no matter how many readers are blocked on it.
package pipeline

import (
	"context"
	"os"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ticpu/heicfs/pkg/xerrors"
)

// EncodeFunc converts the source at realPath into artifact bytes.
type EncodeFunc func(realPath string) ([]byte, error)

// Store is the slice of the artifact store the pipeline needs.
type Store interface {
	Put(key string, data []byte) error
	Length(key string) (int64, bool)
}

// Options configures a Pool.
type Options struct {
	Workers int // 0 means runtime.NumCPU()
	Encode  EncodeFunc
	Store   Store
	Logger  logrus.FieldLogger
}

// job is the shared handle for one in-flight key. All waiters block on
// done and then read the shared outcome.
type job struct {
	key      string
	realPath string
	waiters  int
	done     chan struct{}
	data     []byte
	err      error
}

// Pool is the conversion worker pool.
type Pool struct {
	encode EncodeFunc
	store  Store
	log    logrus.FieldLogger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*job          // FIFO of not-yet-started jobs
	jobs   map[string]*job // every queued or running job by key
	closed bool

	wg sync.WaitGroup
}

// New starts the workers.
func New(opts Options) *Pool {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	p := &Pool{
		encode: opts.Encode,
		store:  opts.Store,
		log:    opts.Logger,
		jobs:   make(map[string]*job),
	}
	p.cond = sync.NewCond(&p.mu)
	p.log.WithField("workers", workers).Info("starting conversion workers")
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Ensure converts the source for key unless a conversion is already
// queued or running, in which case the caller joins it as a waiter.
// It returns the shared artifact bytes. Context cancellation detaches
// this waiter only; the job itself runs to completion so its result
// still lands in the cache.
func (p *Pool) Ensure(ctx context.Context, key, realPath string) ([]byte, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, xerrors.E(xerrors.KindCancelled, "pipeline.ensure", realPath)
	}
	j, ok := p.jobs[key]
	if ok {
		j.waiters++
	} else {
		j = &job{key: key, realPath: realPath, waiters: 1, done: make(chan struct{})}
		p.jobs[key] = j
		p.queue = append(p.queue, j)
		p.cond.Signal()
	}
	p.mu.Unlock()

	select {
	case <-j.done:
		return j.data, j.err
	case <-ctx.Done():
		p.mu.Lock()
		j.waiters--
		p.mu.Unlock()
		return nil, xerrors.Wrap(xerrors.KindCancelled, "pipeline.ensure", realPath, ctx.Err())
	}
}

// Prefetch enqueues a waiter-less conversion so a later read hits warm
// cache. Already-cached and already-inflight keys are skipped; errors
// only surface in the log.
func (p *Pool) Prefetch(key, realPath string) {
	if _, cached := p.store.Length(key); cached {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.jobs[key]; ok {
		return
	}
	j := &job{key: key, realPath: realPath, done: make(chan struct{})}
	p.jobs[key] = j
	p.queue = append(p.queue, j)
	p.cond.Signal()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		j := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		p.run(j)
	}
}

// run performs the encode and applies the degradation policy: when the
// encode fails but the source is readable, the original bytes become
// the artifact so the mount stays usable.
func (p *Pool) run(j *job) {
	data, err := p.encode(j.realPath)
	if err != nil {
		if orig, readErr := os.ReadFile(j.realPath); readErr == nil {
			p.log.WithField("path", j.realPath).WithError(err).
				Warn("conversion failed, serving original bytes")
			data, err = orig, nil
		} else {
			p.log.WithField("path", j.realPath).WithError(err).Error("conversion failed")
			data = nil
		}
	}

	// A shutdown that raced this encode abandons the result: nothing
	// is committed and waiters observe cancellation.
	p.mu.Lock()
	aborted := p.closed
	p.mu.Unlock()
	if aborted {
		data, err = nil, xerrors.E(xerrors.KindCancelled, "pipeline.run", j.realPath)
	} else if err == nil {
		if putErr := p.store.Put(j.key, data); putErr != nil {
			// Serve the bytes for the waiters of this round anyway;
			// the next miss re-encodes.
			p.log.WithField("key", j.key).WithError(putErr).Warn("cache put failed")
		}
	}

	p.mu.Lock()
	delete(p.jobs, j.key)
	j.data, j.err = data, err
	close(j.done)
	p.mu.Unlock()
}

// Close refuses new work, fails every queued job with Cancelled and
// waits for the workers. In-flight encodes finish but are not
// committed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := p.queue
	p.queue = nil
	for _, j := range pending {
		delete(p.jobs, j.key)
		j.err = xerrors.E(xerrors.KindCancelled, "pipeline.close", j.realPath)
		close(j.done)
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
