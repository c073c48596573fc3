package ublk

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultMetricsNamespace = "ublk"

// DeviceObserver is implemented by observers that label measurements
// with the device id. CreateAndServe calls ForDevice once the kernel has
// assigned the id.
type DeviceObserver interface {
	ForDevice(devID uint32) Observer
}

// PrometheusObserver exports request metrics through client_golang
type PrometheusObserver struct {
	requests  *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	perWakeup *prometheus.HistogramVec
}

var registryMu sync.Mutex

// NewPrometheusObserver creates the collectors and registers them with
// registry (prometheus.DefaultRegisterer when nil). Registering twice
// with the same registry reuses the existing collectors.
func NewPrometheusObserver(registry prometheus.Registerer, namespace string) (*PrometheusObserver, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if namespace == "" {
		namespace = defaultMetricsNamespace
	}
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	p := &PrometheusObserver{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "requests_total",
			Help:      "Number of block requests completed.",
		}, []string{"dev", "op", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "bytes_total",
			Help:      "Bytes moved by successful requests.",
		}, []string{"dev", "op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "request_duration_seconds",
			Help:      "Time from request arrival to commit.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 8),
		}, []string{"dev", "op"}),
		perWakeup: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "completions_per_wakeup",
			Help:      "Completions handled per reactor wakeup.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"dev"}),
	}

	var alreadyRegistered prometheus.AlreadyRegisteredError
	if err := registry.Register(p.requests); err != nil {
		if !errors.As(err, &alreadyRegistered) {
			return nil, err
		}
		p.requests = alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := registry.Register(p.bytes); err != nil {
		if !errors.As(err, &alreadyRegistered) {
			return nil, err
		}
		p.bytes = alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := registry.Register(p.duration); err != nil {
		if !errors.As(err, &alreadyRegistered) {
			return nil, err
		}
		p.duration = alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
	}
	if err := registry.Register(p.perWakeup); err != nil {
		if !errors.As(err, &alreadyRegistered) {
			return nil, err
		}
		p.perWakeup = alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
	}
	return p, nil
}

// promOp holds the pre-resolved children for one op label
type promOp struct {
	ok, failed prometheus.Counter
	bytes      prometheus.Counter
	duration   prometheus.Observer
}

func (o *promOp) observe(bytes, latencyNs uint64, success bool) {
	if success {
		o.ok.Inc()
		o.bytes.Add(float64(bytes))
	} else {
		o.failed.Inc()
	}
	o.duration.Observe(float64(latencyNs) / 1e9)
}

// promDevice is a PrometheusObserver bound to one device
type promDevice struct {
	read, write, discard, flush, zone promOp
	perWakeup                         prometheus.Observer
}

// ForDevice implements DeviceObserver
func (p *PrometheusObserver) ForDevice(devID uint32) Observer {
	dev := strconv.FormatUint(uint64(devID), 10)
	op := func(name string) promOp {
		return promOp{
			ok:       p.requests.WithLabelValues(dev, name, "ok"),
			failed:   p.requests.WithLabelValues(dev, name, "error"),
			bytes:    p.bytes.WithLabelValues(dev, name),
			duration: p.duration.WithLabelValues(dev, name),
		}
	}
	return &promDevice{
		read:      op("read"),
		write:     op("write"),
		discard:   op("discard"),
		flush:     op("flush"),
		zone:      op("zone"),
		perWakeup: p.perWakeup.WithLabelValues(dev),
	}
}

func (d *promDevice) ObserveRead(bytes, latencyNs uint64, success bool) {
	d.read.observe(bytes, latencyNs, success)
}

func (d *promDevice) ObserveWrite(bytes, latencyNs uint64, success bool) {
	d.write.observe(bytes, latencyNs, success)
}

func (d *promDevice) ObserveDiscard(bytes, latencyNs uint64, success bool) {
	d.discard.observe(bytes, latencyNs, success)
}

func (d *promDevice) ObserveFlush(latencyNs uint64, success bool) {
	d.flush.observe(0, latencyNs, success)
}

func (d *promDevice) ObserveZone(latencyNs uint64, success bool) {
	d.zone.observe(0, latencyNs, success)
}

func (d *promDevice) ObserveQueueDepth(depth uint32) {
	d.perWakeup.Observe(float64(depth))
}

var (
	_ DeviceObserver = (*PrometheusObserver)(nil)
	_ Observer       = (*promDevice)(nil)
)
