// Package stats counts broker activity and reports it on $SYS topics and
// through a Prometheus registry.
package stats

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/life-stream-dev/treemq/internal/broker"
	"github.com/life-stream-dev/treemq/internal/event"
	"github.com/life-stream-dev/treemq/internal/logger"
	"github.com/life-stream-dev/treemq/internal/mqtt"
)

const (
	DefaultInterval = time.Minute
	namespace       = "treemq"
)

// Publisher injects the periodic reports. *broker.Manager satisfies it.
type Publisher interface {
	Publish(msg *mqtt.Message, skip broker.Subscriber) int
}

// Counters is a point-in-time copy of the collector state.
type Counters struct {
	Connected int64
	Maximum   int64
	Received  uint64
	Sent      uint64
}

type Options struct {
	InstanceID string
	Interval   time.Duration
	Clock      clockwork.Clock
}

// Collector keeps the counters of one server instance. It is fed by event
// bus handlers and must be created before the server accepts connections.
type Collector struct {
	prefix    string
	interval  time.Duration
	clock     clockwork.Clock
	publisher Publisher
	started   time.Time

	connected atomic.Int64
	maximum   atomic.Int64
	received  atomic.Uint64
	sent      atomic.Uint64

	registry       *prometheus.Registry
	connectedGauge prometheus.Gauge
	publishedTotal prometheus.Counter
	deliverTotal   prometheus.Counter

	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewCollector(opts Options, bus *event.Bus, publisher Publisher) *Collector {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"instance_id": opts.InstanceID}

	c := &Collector{
		prefix:    "$SYS/" + opts.InstanceID + "/",
		interval:  opts.Interval,
		clock:     opts.Clock,
		publisher: publisher,
		started:   opts.Clock.Now(),
		registry:  reg,
		connectedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connected_clients",
			Help:        "Number of currently connected clients",
			ConstLabels: labels,
		}),
		publishedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "published_messages_total",
			Help:        "Total number of PUBLISH packets accepted from clients",
			ConstLabels: labels,
		}),
		deliverTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "delivered_messages_total",
			Help:        "Total number of PUBLISH packets written to clients",
			ConstLabels: labels,
		}),
		stop: make(chan struct{}),
	}
	bus.Handle(c.handle)
	return c
}

func (c *Collector) handle(e event.Event) {
	switch e.Kind {
	case event.ClientConnected:
		n := c.connected.Add(1)
		for {
			peak := c.maximum.Load()
			if n <= peak || c.maximum.CompareAndSwap(peak, n) {
				break
			}
		}
		c.connectedGauge.Inc()
	case event.ClientDisconnected:
		c.connected.Add(-1)
		c.connectedGauge.Dec()
	case event.MessagePublished:
		c.received.Add(1)
		c.publishedTotal.Inc()
	case event.MessageDelivered:
		c.sent.Add(1)
		c.deliverTotal.Inc()
	default:
	}
}

func (c *Collector) Counters() Counters {
	return Counters{
		Connected: c.connected.Load(),
		Maximum:   c.maximum.Load(),
		Received:  c.received.Load(),
		Sent:      c.sent.Load(),
	}
}

// Start begins the periodic $SYS reports.
func (c *Collector) Start() {
	c.startOnce.Do(func() {
		ticker := c.clock.NewTicker(c.interval)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer ticker.Stop()
			for {
				select {
				case <-ticker.Chan():
					c.Report()
				case <-c.stop:
					return
				}
			}
		}()
	})
}

// Report publishes the current counters once.
func (c *Collector) Report() {
	counters := c.Counters()
	uptime := int64(c.clock.Since(c.started) / time.Second)
	values := []struct {
		topic string
		value string
	}{
		{"clients/connected", strconv.FormatInt(counters.Connected, 10)},
		{"clients/maximum", strconv.FormatInt(counters.Maximum, 10)},
		{"publish/received", strconv.FormatUint(counters.Received, 10)},
		{"publish/sent", strconv.FormatUint(counters.Sent, 10)},
		{"uptime", strconv.FormatInt(uptime, 10)},
	}
	for _, v := range values {
		c.publisher.Publish(&mqtt.Message{Topic: c.prefix + v.topic, Payload: []byte(v.value)}, nil)
	}
	logger.DebugF("Published stats for %s: %+v", c.prefix, counters)
}

// Handler serves the Prometheus registry of this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Close stops the periodic reports. Counters keep following the bus.
func (c *Collector) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
	})
}
