package metrics

import "time"

// Sampler returns a fresh reading of a gauge-backed quantity at collection
// time. A caller registers one per gauge instead of Collector reaching into
// other packages' state directly, so this package never needs to import
// theirs.
type Sampler func() float64

// Collector periodically samples registered gauge values on a fixed tick,
// independent of the pulse cadence. No other package in this module
// creates a Collector; `calyxd serve` does not run one.
type Collector struct {
	interval time.Duration
	stopCh   chan struct{}
	gauges   []gaugeSampler
}

// prometheusGauge is the minimal surface both prometheus.Gauge and
// prometheus.GaugeVec.WithLabelValues(...) satisfy.
type prometheusGauge interface {
	Set(float64)
}

// NewCollector creates a collector that samples every interval.
func NewCollector(interval time.Duration) *Collector {
	return &Collector{
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Watch registers a gauge to be refreshed from fn on every tick.
func (c *Collector) Watch(gauge prometheusGauge, fn Sampler) {
	c.gauges = append(c.gauges, gaugeSampler{gauge: gauge, fn: fn})
}

type gaugeSampler struct {
	gauge prometheusGauge
	fn    Sampler
}

// Start begins sampling in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts sampling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, gs := range c.gauges {
		gs.gauge.Set(gs.fn())
	}
}
