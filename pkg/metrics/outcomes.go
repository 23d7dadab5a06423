package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Outcomes counts finished restores by outcome kind. A nil *Outcomes
// discards every observation.
type Outcomes struct {
	total *prometheus.CounterVec
	bytes prometheus.Counter
}

// NewOutcomes creates the restore counters and registers them with reg.
func NewOutcomes(reg prometheus.Registerer) (*Outcomes, error) {
	o := &Outcomes{
		total: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cacherestore",
				Name:      "restores_total",
				Help:      "Total number of restores by outcome kind",
			},
			[]string{"kind"},
		),
		bytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cacherestore",
				Name:      "restored_bytes_total",
				Help:      "Total bytes of file content written by restores",
			},
		),
	}
	for _, c := range []prometheus.Collector{o.total, o.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Observe counts one restore that finished with the given kind.
func (o *Outcomes) Observe(kind string) {
	if o == nil {
		return
	}
	o.total.WithLabelValues(kind).Inc()
}

// AddBytes adds restored file bytes.
func (o *Outcomes) AddBytes(n int64) {
	if o == nil || n <= 0 {
		return
	}
	o.bytes.Add(float64(n))
}

// Count returns how many restores finished with kind.
func (o *Outcomes) Count(kind string) float64 {
	if o == nil {
		return 0
	}
	return counterValue(o.total.WithLabelValues(kind))
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
