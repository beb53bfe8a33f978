// Package dispatch runs thumbnail lookups on a bounded worker pool and
// hands every result to a caller-supplied Sink tagged with the caller's
// position token.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chronosphereio/thumbcache/pkg/metrics"
	"github.com/chronosphereio/thumbcache/pkg/thumbnail"
	"github.com/sunshineplan/imgconv"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatcher is closed")

// MaxScaleSize is the largest box SubmitAtScale accepts.
const MaxScaleSize = 4096

// Resolver is the part of thumbnail.Store the dispatcher needs.
type Resolver interface {
	Resolve(ctx context.Context, path string) (string, error)
	Refresh(ctx context.Context, path string) (string, error)
}

// Result is one delivery. Path is the thumbnail path, or the configured
// fallback when Fallback is set.
type Result struct {
	Position   int
	Source     string
	Path       string
	Fallback   bool
	Image      image.Image // only set for SubmitAtScale
	Generation uint64
	Err        error
}

// Sink receives results. Deliver is called from worker goroutines, exactly
// once per submitted item; moving the result onto the consumer's goroutine
// is up to the implementation.
type Sink interface {
	Deliver(Result)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Result)

func (f SinkFunc) Deliver(r Result) {
	f(r)
}

// ChanSink returns a Sink that sends every result on ch.
func ChanSink(ch chan<- Result) Sink {
	return SinkFunc(func(r Result) { ch <- r })
}

// Config configures a Dispatcher.
type Config struct {
	// Workers defaults to DefaultWorkers().
	Workers int
	// Fallback is the path delivered when no thumbnail is available,
	// typically an error icon.
	Fallback string

	Logger  *slog.Logger
	Metrics *metrics.Collector
	Latency *metrics.LatencyTracker
}

// DefaultWorkers leaves one CPU for the consumer.
func DefaultWorkers() int {
	return max(1, runtime.NumCPU()-1)
}

type item struct {
	path       string
	position   int
	size       int // >0 loads and scales the result
	refresh    bool
	sink       Sink
	generation uint64
	submitted  time.Time
}

// Dispatcher is a bounded worker pool in front of a Resolver. Submit never
// blocks: the queue is unbounded and only the number of concurrent lookups
// is limited.
type Dispatcher struct {
	resolver Resolver
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []item
	closed bool
	wg     sync.WaitGroup

	generation atomic.Uint64
}

// New creates a dispatcher and starts its workers.
func New(resolver Resolver, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
	}
	d.cond = sync.NewCond(&d.mu)

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Debug("dispatcher started", "workers", cfg.Workers)
	return d
}

// Workers returns the pool size.
func (d *Dispatcher) Workers() int {
	return d.cfg.Workers
}

// Submit schedules a lookup of path. sink receives exactly one Result
// carrying position.
func (d *Dispatcher) Submit(path string, position int, sink Sink) error {
	return d.enqueue(item{path: path, position: position, sink: sink})
}

// SubmitRefresh is Submit with the cache bypassed: the thumbnail is always
// regenerated.
func (d *Dispatcher) SubmitRefresh(path string, position int, sink Sink) error {
	return d.enqueue(item{path: path, position: position, refresh: true, sink: sink})
}

// SubmitAtScale is Submit that also loads the resolved thumbnail (or the
// fallback) and scales it so its longer edge is size pixels. The scaled
// image is delivered in Result.Image.
func (d *Dispatcher) SubmitAtScale(path string, position, size int, sink Sink) error {
	if size <= 0 || size > MaxScaleSize {
		return fmt.Errorf("invalid scale size %d: must be between 1 and %d", size, MaxScaleSize)
	}
	return d.enqueue(item{path: path, position: position, size: size, sink: sink})
}

func (d *Dispatcher) enqueue(it item) error {
	if it.sink == nil {
		return errors.New("nil sink")
	}
	it.generation = d.generation.Load()
	it.submitted = time.Now()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.queue = append(d.queue, it)
	d.cfg.Metrics.SetQueueDepth(len(d.queue))
	d.mu.Unlock()

	d.cond.Signal()
	return nil
}

// Invalidate starts a new generation and returns it. Items already queued
// or in flight are still delivered, tagged with the generation they were
// submitted under, so sinks can drop them cheaply.
func (d *Dispatcher) Invalidate() uint64 {
	return d.generation.Add(1)
}

// Generation returns the current generation.
func (d *Dispatcher) Generation() uint64 {
	return d.generation.Load()
}

// Pending returns the number of queued items not yet picked up by a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close stops accepting work, waits for every queued item to be delivered
// and stops the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cond.Broadcast()
	d.wg.Wait()
	d.logger.Debug("dispatcher stopped")
}

// next blocks until an item is available. It returns false once the
// dispatcher is closed and the queue is empty.
func (d *Dispatcher) next() (item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 && !d.closed {
		d.cond.Wait()
	}
	if len(d.queue) == 0 {
		return item{}, false
	}
	it := d.queue[0]
	d.queue[0] = item{}
	d.queue = d.queue[1:]
	d.cfg.Metrics.SetQueueDepth(len(d.queue))
	return it, true
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		it, ok := d.next()
		if !ok {
			return
		}
		d.deliver(it, d.process(id, it))
	}
}

// process never panics: anything raised while resolving is turned into a
// fallback result.
func (d *Dispatcher) process(id int, it item) Result {
	res, err := d.run(id, it)
	if err != nil {
		return d.fallbackResult(it, err)
	}
	return res
}

// run resolves it and, for scaled items, loads the thumbnail. A panic is
// recovered and returned as an error.
func (d *Dispatcher) run(id int, it item) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.cfg.Metrics.Panicked()
			d.logger.Error("thumbnail worker panicked",
				"worker", id,
				"path", it.path,
				"panic", r,
				"stack", string(debug.Stack()))
			res, err = Result{}, fmt.Errorf("worker panic: %v", r)
		}
	}()

	ctx := context.Background()
	var thumb string
	if it.refresh {
		thumb, err = d.resolver.Refresh(ctx, it.path)
	} else {
		thumb, err = d.resolver.Resolve(ctx, it.path)
	}
	if err != nil {
		if thumbnail.IsNoThumbnail(err) {
			d.logger.Debug("no thumbnail", "path", it.path, "error", err)
		} else {
			d.logger.Warn("failed to resolve thumbnail", "path", it.path, "error", err)
		}
		return Result{}, err
	}

	res = Result{
		Position:   it.position,
		Source:     it.path,
		Path:       thumb,
		Generation: it.generation,
	}
	if it.size > 0 {
		img, err := loadScaled(thumb, it.size)
		if err != nil {
			d.logger.Warn("failed to load thumbnail", "path", thumb, "error", err)
			return Result{}, err
		}
		res.Image = img
	}
	return res, nil
}

func (d *Dispatcher) fallbackResult(it item, err error) Result {
	res := Result{
		Position:   it.position,
		Source:     it.path,
		Path:       d.cfg.Fallback,
		Fallback:   true,
		Generation: it.generation,
		Err:        err,
	}
	if it.size > 0 && d.cfg.Fallback != "" {
		// A missing icon leaves Image nil; the sink still gets its delivery.
		if img, ferr := loadScaled(d.cfg.Fallback, it.size); ferr == nil {
			res.Image = img
		}
	}
	return res
}

func (d *Dispatcher) deliver(it item, res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.cfg.Metrics.Panicked()
			d.logger.Error("result sink panicked", "position", it.position, "panic", r)
		}
	}()
	d.cfg.Metrics.Delivered(res.Fallback)
	d.cfg.Latency.Since(metrics.OpDeliver, it.submitted)
	it.sink.Deliver(res)
}

// loadScaled opens the image at path and scales it so that its longer edge
// is size pixels. A panic inside the decoder or resizer is returned as an
// error.
func loadScaled(path string, size int) (_ image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to scale %s: %v", path, r)
		}
	}()

	img, err := imgconv.Open(path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := thumbnail.ScaleToBox(b.Dx(), b.Dy(), size)
	if w == 0 {
		return nil, fmt.Errorf("image %s has empty bounds", path)
	}
	if w == b.Dx() && h == b.Dy() {
		return img, nil
	}
	return imgconv.Resize(img, &imgconv.ResizeOption{Width: w, Height: h}), nil
}
