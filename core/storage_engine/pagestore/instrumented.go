package pagestore

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// storeCollectors are shared by every instrumented store registered with the
// same registerer; the store name is a label.
type storeCollectors struct {
	ops      *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newStoreCollectors(reg prometheus.Registerer) (*storeCollectors, error) {
	c := &storeCollectors{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gojodb",
			Subsystem: "pagestore",
			Name:      "operations_total",
			Help:      "Page store operations by store and operation.",
		}, []string{"store", "op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gojodb",
			Subsystem: "pagestore",
			Name:      "errors_total",
			Help:      "Failed page store operations by store and operation.",
		}, []string{"store", "op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gojodb",
			Subsystem: "pagestore",
			Name:      "operation_duration_seconds",
			Help:      "Latency of page store operations.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"store", "op"}),
	}
	var err error
	if c.ops, err = register(reg, c.ops); err != nil {
		return nil, err
	}
	if c.errors, err = register(reg, c.errors); err != nil {
		return nil, err
	}
	if c.duration, err = register(reg, c.duration); err != nil {
		return nil, err
	}
	return c, nil
}

// register reuses an identical collector that is already registered.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return col, err
	}
	return col, nil
}

// InstrumentedStore decorates a PageStore with prometheus counters and
// latency histograms.
type InstrumentedStore struct {
	PageStore
	name string
	col  *storeCollectors
}

// NewInstrumentedStore wraps store and registers its collectors with reg.
func NewInstrumentedStore(store PageStore, name string, reg prometheus.Registerer) (*InstrumentedStore, error) {
	col, err := newStoreCollectors(reg)
	if err != nil {
		return nil, err
	}
	return &InstrumentedStore{PageStore: store, name: name, col: col}, nil
}

func (is *InstrumentedStore) observe(op string, start time.Time, err error) {
	is.col.ops.WithLabelValues(is.name, op).Inc()
	is.col.duration.WithLabelValues(is.name, op).Observe(time.Since(start).Seconds())
	if err != nil {
		is.col.errors.WithLabelValues(is.name, op).Inc()
	}
}

func (is *InstrumentedStore) AllocatePage() (PageID, error) {
	start := time.Now()
	id, err := is.PageStore.AllocatePage()
	is.observe("allocate", start, err)
	return id, err
}

func (is *InstrumentedStore) ReadPage(id PageID) ([]byte, error) {
	start := time.Now()
	data, err := is.PageStore.ReadPage(id)
	is.observe("read", start, err)
	return data, err
}

func (is *InstrumentedStore) WritePage(id PageID, data []byte) error {
	start := time.Now()
	err := is.PageStore.WritePage(id, data)
	is.observe("write", start, err)
	return err
}

func (is *InstrumentedStore) FreePage(id PageID) error {
	start := time.Now()
	err := is.PageStore.FreePage(id)
	is.observe("free", start, err)
	return err
}

func (is *InstrumentedStore) Flush() error {
	start := time.Now()
	err := is.PageStore.Flush()
	is.observe("flush", start, err)
	return err
}
