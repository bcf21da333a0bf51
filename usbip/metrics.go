package usbip

// Prometheus metrics for the URB engine and attach state machine,
// grounded in teacher deviceplugin/usbip.go's NewPluginForDeviceGroup
// (NewGauge/NewCounter, registered by NewClient under a "usbip_client_"
// prefix via prometheus.WrapRegistererWithPrefix).

import "github.com/prometheus/client_golang/prometheus"

// engineMetrics instruments one urbEngine.
type engineMetrics struct {
	inFlight     prometheus.Gauge
	allocated    prometheus.Counter
	spurious     prometheus.Counter
	readTimeouts prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "urbs_in_flight",
			Help: "The number of CMD_SUBMIT transactions awaiting RET_SUBMIT.",
		}),
		allocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "urbs_submitted_total",
			Help: "The total number of CMD_SUBMIT transactions issued.",
		}),
		spurious: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "urb_spurious_responses_total",
			Help: "The total number of RET_SUBMIT frames with no matching in-flight seqnum.",
		}),
		readTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "urb_read_timeouts_total",
			Help: "The total number of URB waits whose deadline elapsed before RET_SUBMIT arrived.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inFlight, m.allocated, m.spurious, m.readTimeouts)
	}
	return m
}

// clientMetrics instruments the Client-level attach lifecycle.
type clientMetrics struct {
	attachedDevices prometheus.Gauge
	attachFailures  prometheus.Counter
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	m := &clientMetrics{
		attachedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attached_devices",
			Help: "The number of devices currently attached on this connection.",
		}),
		attachFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attach_failures_total",
			Help: "The total number of per-device attach attempts that failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.attachedDevices, m.attachFailures)
	}
	return m
}
