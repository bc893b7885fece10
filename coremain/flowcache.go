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

package coremain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/Vizaxe/flowcache/pkg/cache"
	"github.com/Vizaxe/flowcache/pkg/cache_backend"
	"github.com/Vizaxe/flowcache/pkg/cache_backend/memory_cache_backend"
	"github.com/Vizaxe/flowcache/pkg/cache_backend/redis_cache_backend"
	"github.com/Vizaxe/flowcache/pkg/reclaimer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Flowcache owns the caches of one process, their reclamation and the
// optional HTTP API. Payloads are kept as raw json since the process
// never interprets them.
type Flowcache struct {
	cfg    *Config
	logger *zap.Logger

	metricsReg  *prometheus.Registry
	redisClient *redis.Client

	caches    map[string]*cache.Cache[json.RawMessage]
	reclaimer *reclaimer.Reclaimer

	httpServer *http.Server
	closeOnce  sync.Once
}

// NewRedisClient builds a client from cfg.URL.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url, %w", err)
	}
	opt.MaxRetries = -1
	return redis.NewClient(opt), nil
}

// NewCache builds the configured cache name on the configured backend.
// client is only used by the redis backend and is not closed by the cache.
func NewCache[T any](cfg *Config, name string, client redis.Cmdable, logger *zap.Logger) (*cache.Cache[T], error) {
	cc, ok := cfg.Caches[name]
	if !ok {
		return nil, fmt.Errorf("cache %s is not configured", name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named(name)

	var backend cache_backend.Backend[T]
	switch cfg.Backend {
	case BackendRedis:
		if client == nil {
			return nil, errors.New("redis backend requires a client")
		}
		policy, err := redis_cache_backend.ParseOrphanPolicy(cfg.Redis.OrphanPolicy)
		if err != nil {
			return nil, err
		}
		b, err := redis_cache_backend.NewRedisCache[T](redis_cache_backend.RedisCacheOpts{
			Client:        client,
			ClientTimeout: ms(int64(cfg.Redis.Timeout)),
			HashName:      cc.HashName,
			KeyPrefix:     cfg.Redis.KeyPrefix,
			Compress:      cfg.Redis.Compress,
			OrphanPolicy:  policy,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init redis backend of %s, %w", name, err)
		}
		backend = b
	default:
		backend = memory_cache_backend.NewMemoryCache[T](memory_cache_backend.MemoryCacheOpts{})
	}

	return cache.New[T](backend, cache.Opts{
		Name:       name,
		DefaultTTL: cc.ttl(),
		Logger:     logger,
	})
}

func NewFlowcache(cfg *Config, logger *zap.Logger) (*Flowcache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Flowcache{
		cfg:        cfg,
		logger:     logger,
		metricsReg: prometheus.NewRegistry(),
		caches:     make(map[string]*cache.Cache[json.RawMessage]),
		reclaimer:  reclaimer.New(reclaimer.Opts{Logger: logger.Named("reclaimer")}),
	}
	f.metricsReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := f.reclaimer.RegMetricsTo(prometheus.WrapRegistererWithPrefix("flowcache_reclaimer_", f.metricsReg)); err != nil {
		return nil, fmt.Errorf("failed to register metrics, %w", err)
	}

	if cfg.Backend == BackendRedis {
		client, err := NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		f.redisClient = client
	}

	for _, name := range cfg.cacheNames() {
		c, err := NewCache[json.RawMessage](cfg, name, f.client(), logger)
		if err != nil {
			f.closeBackends()
			return nil, err
		}
		f.caches[name] = c
		if err := c.RegMetricsTo(prometheus.WrapRegistererWithPrefix("flowcache_cache_", f.metricsReg)); err != nil {
			f.closeBackends()
			return nil, fmt.Errorf("failed to register metrics of %s, %w", name, err)
		}
		cc := cfg.Caches[name]
		err = f.reclaimer.Register(name, c, reclaimer.Schedule{
			Interval:     cc.cleanupInterval(),
			InitialDelay: cc.initialDelay(),
			Timeout:      cc.sweepTimeout(),
		})
		if err != nil {
			f.closeBackends()
			return nil, err
		}
	}
	return f, nil
}

// client avoids handing a typed nil to NewCache.
func (f *Flowcache) client() redis.Cmdable {
	if f.redisClient == nil {
		return nil
	}
	return f.redisClient
}

func (cfg *Config) cacheNames() []string {
	names := make([]string, 0, len(cfg.Caches))
	for name := range cfg.Caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cache returns the cache name, or nil.
func (f *Flowcache) Cache(name string) *cache.Cache[json.RawMessage] {
	return f.caches[name]
}

// Start checks that every backend is reachable, starts the reclamation
// timers and, if configured, the HTTP API.
func (f *Flowcache) Start(ctx context.Context) error {
	if err := f.Ping(ctx); err != nil {
		return err
	}
	f.reclaimer.Start()

	if addr := f.cfg.API.HTTP; len(addr) > 0 {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to start api server, %w", err)
		}
		f.httpServer = &http.Server{
			Handler:           f.apiRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		f.logger.Info("starting api http server", zap.Stringer("addr", l.Addr()))
		go func() {
			if err := f.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				f.logger.Error("api server exited", zap.Error(err))
			}
		}()
	}
	return nil
}

// Ping checks every cache backend.
func (f *Flowcache) Ping(ctx context.Context) error {
	var errs []error
	for _, name := range f.cfg.cacheNames() {
		if err := f.caches[name].Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SweepAll runs one sweep of every cache and returns the removed counts.
func (f *Flowcache) SweepAll(ctx context.Context) (map[string]int, error) {
	res := make(map[string]int, len(f.caches))
	var errs []error
	for _, name := range f.reclaimer.Names() {
		n, err := f.reclaimer.SweepNow(ctx, name)
		res[name] = n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// Close stops the API server and the reclaimer, waiting for running
// sweeps until ctx is done, then closes the backends.
func (f *Flowcache) Close(ctx context.Context) error {
	var errs []error
	f.closeOnce.Do(func() {
		if f.httpServer != nil {
			if err := f.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("api server shutdown, %w", err))
			}
		}
		if err := f.reclaimer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reclaimer shutdown, %w", err))
		}
		if err := f.closeBackends(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (f *Flowcache) closeBackends() error {
	var errs []error
	for _, c := range f.caches {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if f.redisClient != nil {
		if err := f.redisClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
