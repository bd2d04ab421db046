package daemon

import (
	"io"
	"sort"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/j-be/autobim/pkg/calibration"
	"github.com/j-be/autobim/pkg/utils/ptr"
)

// metricsContentType is the Prometheus text exposition format.
var metricsContentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))

// metrics keeps the daemon's counters and renders them as Prometheus metric
// families.
type metrics struct {
	mu           sync.Mutex
	sessions     map[calibration.Phase]uint64
	probesOK     uint64
	probesFailed uint64
	diagnostics  uint64
	running      bool
	busy         bool
}

func newMetrics() *metrics {
	return &metrics{sessions: make(map[calibration.Phase]uint64)}
}

func (m *metrics) sessionDone(phase calibration.Phase) {
	m.mu.Lock()
	m.sessions[phase]++
	m.mu.Unlock()
}

func (m *metrics) probeDone(ok bool) {
	m.mu.Lock()
	if ok {
		m.probesOK++
	} else {
		m.probesFailed++
	}
	m.mu.Unlock()
}

func (m *metrics) diagnosticDone() {
	m.mu.Lock()
	m.diagnostics++
	m.mu.Unlock()
}

func (m *metrics) setRunning(b bool) {
	m.mu.Lock()
	m.running = b
	m.mu.Unlock()
}

func (m *metrics) setBusy(b bool) {
	m.mu.Lock()
	m.busy = b
	m.mu.Unlock()
}

func counter(v uint64, labels ...string) *dto.Metric {
	met := &dto.Metric{Counter: &dto.Counter{Value: ptr.To(float64(v))}}
	for i := 0; i+1 < len(labels); i += 2 {
		met.Label = append(met.Label, &dto.LabelPair{Name: ptr.To(labels[i]), Value: ptr.To(labels[i+1])})
	}
	return met
}

func gauge(b bool) *dto.Metric {
	v := 0.0
	if b {
		v = 1
	}
	return &dto.Metric{Gauge: &dto.Gauge{Value: ptr.To(v)}}
}

func (m *metrics) families() []*dto.MetricFamily {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := &dto.MetricFamily{
		Name: ptr.To("autobim_sessions_total"),
		Help: ptr.To("Finished calibration sessions by outcome."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	phases := []calibration.Phase{calibration.PhaseCompleted, calibration.PhaseAborted, calibration.PhaseError}
	for _, p := range phases {
		sessions.Metric = append(sessions.Metric, counter(m.sessions[p], "outcome", string(p)))
	}

	return []*dto.MetricFamily{
		sessions,
		{
			Name: ptr.To("autobim_probes_total"),
			Help: ptr.To("Probe attempts by result."),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{
				counter(m.probesOK, "result", "ok"),
				counter(m.probesFailed, "result", "failed"),
			},
		},
		{
			Name:   ptr.To("autobim_diagnostics_total"),
			Help:   ptr.To("Completed corner diagnostics."),
			Type:   dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{counter(m.diagnostics)},
		},
		{
			Name:   ptr.To("autobim_session_running"),
			Help:   ptr.To("Whether a calibration session is running."),
			Type:   dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{gauge(m.running)},
		},
		{
			Name:   ptr.To("autobim_printer_busy"),
			Help:   ptr.To("Whether any operation holds the printer."),
			Type:   dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{gauge(m.busy)},
		},
	}
}

// WriteTo writes all metric families in the text exposition format.
func (m *metrics) WriteTo(w io.Writer) (int64, error) {
	families := m.families()
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})

	var total int64
	for _, mf := range families {
		n, err := expfmt.MetricFamilyToText(w, mf)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
