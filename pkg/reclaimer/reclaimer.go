/*
 * Copyright (C) 2024, Vizaxe
 *
 * This file is part of flowcache.
 *
 * flowcache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * flowcache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package reclaimer

import (
	"context"
	"errors"
	"fmt"
	"github.com/Vizaxe/flowcache/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

const (
	defaultInterval = time.Minute * 5
	defaultTimeout  = time.Second * 30
)

var nopLogger = zap.NewNop()

var (
	ErrClosed       = errors.New("reclaimer is shut down")
	ErrUnknownCache = errors.New("unknown cache")
)

// Sweeper removes expired entries. *cache.Cache satisfies it.
type Sweeper interface {
	ClearExpired(ctx context.Context) (int, error)
}

// Schedule controls the sweeps of one cache.
type Schedule struct {
	// Interval is the delay between the end of one sweep and the start of
	// the next. Default is 5m.
	Interval time.Duration

	// InitialDelay before the first sweep. Zero means Interval, a negative
	// value sweeps right after Start.
	InitialDelay time.Duration

	// Timeout bounds a single sweep. Default is 30s.
	Timeout time.Duration
}

func (s *Schedule) init() error {
	if s.Interval < 0 {
		return fmt.Errorf("invalid sweep interval %s", s.Interval)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("invalid sweep timeout %s", s.Timeout)
	}
	utils.SetDefaultNum(&s.Interval, defaultInterval)
	utils.SetDefaultNum(&s.InitialDelay, s.Interval)
	utils.SetDefaultNum(&s.Timeout, defaultTimeout)
	return nil
}

// SweepError is a failed sweep. It is logged and counted by the
// Reclaimer and only returned to callers of SweepNow.
type SweepError struct {
	Cache string
	Err   error
}

func (e *SweepError) Error() string {
	return fmt.Sprintf("sweep of cache %s failed, %v", e.Cache, e.Err)
}

func (e *SweepError) Unwrap() error {
	return e.Err
}

type job struct {
	name     string
	target   Sweeper
	schedule Schedule
}

// Reclaimer periodically calls ClearExpired on every registered cache.
// Each cache has its own timer. The next sweep of a cache is armed only
// after the previous one returned, so a cache never sweeps concurrently
// with itself.
type Reclaimer struct {
	logger *zap.Logger
	m      *metrics

	mu      sync.Mutex
	jobs    map[string]*job
	started bool

	closeOnce   sync.Once
	closeNotify chan struct{}
	wg          sync.WaitGroup

	// Shares an in-flight sweep between the timer and SweepNow.
	sf singleflight.Group
}

type Opts struct {
	// Logger is the *zap.Logger for this Reclaimer.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func New(opts Opts) *Reclaimer {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return &Reclaimer{
		logger:      opts.Logger,
		m:           newMetrics(),
		jobs:        make(map[string]*job),
		closeNotify: make(chan struct{}),
	}
}

// Register adds a cache. If the Reclaimer is already started the cache's
// timer starts immediately.
func (r *Reclaimer) Register(name string, target Sweeper, schedule Schedule) error {
	if len(name) == 0 || target == nil {
		return errors.New("empty name or nil sweeper")
	}
	if err := schedule.init(); err != nil {
		return fmt.Errorf("cache %s, %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if utils.ClosedChan(r.closeNotify) {
		return ErrClosed
	}
	if _, dup := r.jobs[name]; dup {
		return fmt.Errorf("cache %s is already registered", name)
	}
	j := &job{name: name, target: target, schedule: schedule}
	r.jobs[name] = j
	if r.started {
		r.startLocked(j)
	}
	return nil
}

// Start launches the timers of all registered caches. It is a no-op if
// already started.
func (r *Reclaimer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || utils.ClosedChan(r.closeNotify) {
		return
	}
	r.started = true
	for _, j := range r.jobs {
		r.startLocked(j)
	}
}

func (r *Reclaimer) startLocked(j *job) {
	r.wg.Add(1)
	go r.loop(j)
	r.logger.Info("cache reclamation scheduled",
		zap.String("cache", j.name),
		zap.Duration("interval", j.schedule.Interval),
		zap.Duration("initial_delay", j.schedule.InitialDelay),
	)
}

// Names returns the registered cache names in order.
func (r *Reclaimer) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Reclaimer) loop(j *job) {
	defer r.wg.Done()
	timer := time.NewTimer(j.schedule.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-r.closeNotify:
			return
		case <-timer.C:
		}
		// Both channels may be ready at once.
		if utils.ClosedChan(r.closeNotify) {
			return
		}
		_, _ = r.sweep(j)
		timer.Reset(j.schedule.Interval)
	}
}

// SweepNow runs a sweep of cache name and waits for it. If a sweep of that
// cache is already running, its result is shared instead of starting a
// second one. The sweep keeps running if ctx is done first, and Shutdown
// waits for it.
func (r *Reclaimer) SweepNow(ctx context.Context, name string) (int, error) {
	r.mu.Lock()
	j := r.jobs[name]
	if j == nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownCache, name)
	}
	if utils.ClosedChan(r.closeNotify) {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	ch := r.sf.DoChan(j.name, func() (any, error) {
		return r.run(j)
	})
	res := make(chan singleflight.Result, 1)
	go func() {
		defer r.wg.Done()
		res <- <-ch
	}()
	select {
	case v := <-res:
		return v.Val.(int), v.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Reclaimer) sweep(j *job) (int, error) {
	v, err, _ := r.sf.Do(j.name, func() (any, error) {
		return r.run(j)
	})
	return v.(int), err
}

func (r *Reclaimer) run(j *job) (int, error) {
	start := time.Now()
	r.logger.Debug("sweeping expired cache entries", zap.String("cache", j.name))
	n, err := r.call(j)
	r.m.sweepTotal.WithLabelValues(j.name).Inc()
	r.m.sweepDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
	if n > 0 {
		r.m.sweptEntriesTotal.WithLabelValues(j.name).Add(float64(n))
	}
	if err != nil {
		r.m.sweepErrorsTotal.WithLabelValues(j.name).Inc()
		r.logger.Error("cache sweep failed", zap.String("cache", j.name), zap.Error(err))
		return n, &SweepError{Cache: j.name, Err: err}
	}
	if n > 0 {
		r.logger.Info("expired cache entries removed", zap.String("cache", j.name), zap.Int("removed", n), zap.Duration("elapsed", time.Since(start)))
	}
	return n, nil
}

func (r *Reclaimer) call(j *job) (n int, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v, stack: %s", v, debug.Stack())
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), j.schedule.Timeout)
	defer cancel()
	return j.target.ClearExpired(ctx)
}

// Shutdown stops all timers. A sweep that is already running completes.
// It waits for the running sweeps or until ctx is done.
func (r *Reclaimer) Shutdown(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		close(r.closeNotify)
		r.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
