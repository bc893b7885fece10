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
	"github.com/Vizaxe/flowcache/pkg/reclaimer"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"net/http"
	"time"
)

const healthCheckTimeout = 5 * time.Second

type cacheInfo struct {
	Name  string `json:"name"`
	Size  int    `json:"size"`
	Error string `json:"error,omitempty"`
}

type sweepResult struct {
	Cache   string `json:"cache"`
	Removed int    `json:"removed"`
	Error   string `json:"error,omitempty"`
}

func (f *Flowcache) apiRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", promhttp.HandlerFor(f.metricsReg, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/health", f.handleHealth)
	r.Route("/caches", func(r chi.Router) {
		r.Get("/", f.handleListCaches)
		r.Post("/{name}/sweep", f.handleSweep)
	})
	return r
}

func (f *Flowcache) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if err := f.Ping(ctx); err != nil {
		f.logger.Warn("health check failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (f *Flowcache) handleListCaches(w http.ResponseWriter, req *http.Request) {
	infos := make([]cacheInfo, 0, len(f.caches))
	for _, name := range f.cfg.cacheNames() {
		info := cacheInfo{Name: name}
		n, err := f.caches[name].Len(req.Context())
		if err != nil {
			info.Error = err.Error()
		}
		info.Size = n
		infos = append(infos, info)
	}
	writeJson(w, http.StatusOK, infos)
}

func (f *Flowcache) handleSweep(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	n, err := f.reclaimer.SweepNow(req.Context(), name)
	res := sweepResult{Cache: name, Removed: n}
	switch {
	case err == nil:
		writeJson(w, http.StatusOK, res)
	case errors.Is(err, reclaimer.ErrUnknownCache):
		res.Error = err.Error()
		writeJson(w, http.StatusNotFound, res)
	default:
		res.Error = err.Error()
		writeJson(w, http.StatusInternalServerError, res)
	}
}

func writeJson(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
