// Package metrics exports simplemedia measurements to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

const defaultNamespace = "simplemedia"

// PrometheusObserver implements simplemedia.Observer.
type PrometheusObserver struct {
	storageDuration *prometheus.HistogramVec
	storageErrors   *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	uploadDuration  prometheus.Histogram
	thumbnails      *prometheus.CounterVec
	reaped          *prometheus.CounterVec
}

var _ simplemedia.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the collectors with reg (the default
// registerer when nil). Registering twice against the same registry reuses
// the collectors already there.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error
	o := &PrometheusObserver{}
	if o.storageDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "storage_operation_duration_seconds",
		Help:      "Latency of storage driver operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend", "operation"})); err != nil {
		return nil, err
	}
	if o.storageErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_operation_errors_total",
		Help:      "Count of failed storage driver operations.",
	}, []string{"backend", "operation"})); err != nil {
		return nil, err
	}
	if o.uploads, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Uploads by outcome or failure code.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if o.uploadDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_duration_seconds",
		Help:      "End-to-end upload latency including dedupe waits.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})); err != nil {
		return nil, err
	}
	if o.thumbnails, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "thumbnails_total",
		Help:      "Thumbnail variants by sync result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if o.reaped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaped_total",
		Help:      "Objects removed by the reaper.",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register media metric: %w", err)
	}
	return c, nil
}

func (o *PrometheusObserver) ObserveStorageOp(backend, op string, d time.Duration, err error) {
	if o == nil {
		return
	}
	o.storageDuration.WithLabelValues(backend, op).Observe(d.Seconds())
	if err != nil {
		o.storageErrors.WithLabelValues(backend, op).Inc()
	}
}

func (o *PrometheusObserver) ObserveUpload(result string, d time.Duration) {
	if o == nil {
		return
	}
	o.uploads.WithLabelValues(result).Inc()
	o.uploadDuration.Observe(d.Seconds())
}

func (o *PrometheusObserver) ObserveThumbnails(generated, skipped, failed int) {
	if o == nil {
		return
	}
	o.thumbnails.WithLabelValues("generated").Add(float64(generated))
	o.thumbnails.WithLabelValues("skipped").Add(float64(skipped))
	o.thumbnails.WithLabelValues("failed").Add(float64(failed))
}

func (o *PrometheusObserver) ObserveReap(deleted, quarantineDeleted int) {
	if o == nil {
		return
	}
	o.reaped.WithLabelValues("row").Add(float64(deleted))
	o.reaped.WithLabelValues("quarantine").Add(float64(quarantineDeleted))
}
