// SPDX-License-Identifier: MIT

package meem

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the engine's Prometheus instrumentation. All vectors are
// labeled by block name so a host application with many blocks can break
// down behavior per-parameter-set.
type metrics struct {
	writesTotal         *prometheus.CounterVec
	recoveriesTotal     *prometheus.CounterVec
	writeDuration       *prometheus.HistogramVec
	multiProfileFetches *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		writesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "meem_block_writes_total",
			Help: "Total number of block writes, by result.",
		}, []string{"block", "result"}),
		recoveriesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "meem_block_recoveries_total",
			Help: "Total number of block data recoveries at init or profile fetch (defaults fallback or backup-copy repair), by reason.",
		}, []string{"block", "reason"}),
		writeDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meem_block_write_duration_seconds",
			Help:    "Time to complete a block write, from dispatch to finalize.",
			Buckets: prometheus.DefBuckets,
		}, []string{"block"}),
		multiProfileFetches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "meem_multi_profile_fetch_total",
			Help: "Total number of multi-profile switch fetches, by result.",
		}, []string{"block", "result"}),
	}
}
