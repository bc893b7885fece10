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

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	putTotal           prometheus.Counter
	getTotal           prometheus.Counter
	hitTotal           prometheus.Counter
	ownerMismatchTotal prometheus.Counter
	expiredTotal       prometheus.Counter
	removedTotal       prometheus.Counter
	backendErrorsTotal prometheus.Counter
	size               prometheus.GaugeFunc
}

func newMetrics(name string, size func() float64) *metrics {
	lb := map[string]string{"cache": name}
	return &metrics{
		putTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "put_total",
			Help:        "The total number of stored entries",
			ConstLabels: lb,
		}),
		getTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "get_total",
			Help:        "The total number of lookups",
			ConstLabels: lb,
		}),
		hitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "hit_total",
			Help:        "The total number of lookups that returned an entry",
			ConstLabels: lb,
		}),
		ownerMismatchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "owner_mismatch_total",
			Help:        "The total number of lookups rejected because of a different owner",
			ConstLabels: lb,
		}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "expired_total",
			Help:        "The total number of entries dropped by expiry",
			ConstLabels: lb,
		}),
		removedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "removed_total",
			Help:        "The total number of explicit removals",
			ConstLabels: lb,
		}),
		backendErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "backend_errors_total",
			Help:        "The total number of failed backend calls",
			ConstLabels: lb,
		}),
		size: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "size_current",
			Help:        "Current cache size in entries",
			ConstLabels: lb,
		}, size),
	}
}

// RegMetricsTo registers the metrics of c to r.
func (c *Cache[T]) RegMetricsTo(r prometheus.Registerer) error {
	for _, collector := range [...]prometheus.Collector{
		c.m.putTotal, c.m.getTotal, c.m.hitTotal, c.m.ownerMismatchTotal,
		c.m.expiredTotal, c.m.removedTotal, c.m.backendErrorsTotal, c.m.size,
	} {
		if err := r.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
