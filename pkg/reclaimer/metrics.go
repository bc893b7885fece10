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
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	sweepTotal        *prometheus.CounterVec
	sweepErrorsTotal  *prometheus.CounterVec
	sweptEntriesTotal *prometheus.CounterVec
	sweepDuration     *prometheus.HistogramVec
}

func newMetrics() *metrics {
	lb := []string{"cache"}
	return &metrics{
		sweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sweep_total",
			Help: "The total number of sweeps",
		}, lb),
		sweepErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sweep_errors_total",
			Help: "The total number of failed sweeps",
		}, lb),
		sweptEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swept_entries_total",
			Help: "The total number of entries removed by sweeps",
		}, lb),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "The duration of sweeps",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, lb),
	}
}

func (r *Reclaimer) RegMetricsTo(reg prometheus.Registerer) error {
	for _, collector := range [...]prometheus.Collector{r.m.sweepTotal, r.m.sweepErrorsTotal, r.m.sweptEntriesTotal, r.m.sweepDuration} {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
