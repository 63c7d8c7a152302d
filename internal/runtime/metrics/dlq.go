package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks dead letter statistics per source topic.
type DLQMetrics struct {
	mu sync.RWMutex

	topicCounts map[string]*DLQTopicMetrics

	messagesTotal *prometheus.CounterVec
	lastSeen      *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

// DLQTopicMetrics holds dead letter counters for one source topic.
type DLQTopicMetrics struct {
	MessagesReceived uint64            `json:"messages_received"`
	Reasons          map[string]uint64 `json:"reasons"`
	FirstSeenAt      time.Time         `json:"first_seen_at,omitempty"`
	LastSeenAt       time.Time         `json:"last_seen_at,omitempty"`
}

// DLQMetricsSnapshot provides a point-in-time view of dead letter metrics.
type DLQMetricsSnapshot struct {
	TotalMessages uint64                      `json:"total_messages"`
	TopicMetrics  map[string]*DLQTopicMetrics `json:"topic_metrics"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

// NewDLQMetrics creates a dead letter collector. A nil registerer uses the
// Prometheus default registry.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DLQMetrics{
		topicCounts: make(map[string]*DLQTopicMetrics),
		registerer:  registerer,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dlq",
			Name:      "messages_total",
			Help:      "Total number of messages moved to a dead letter queue",
		}, []string{"topic", "reason"}),
		lastSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "dlq",
			Name:      "last_message_timestamp_seconds",
			Help:      "Unix time of the most recent dead lettered message",
		}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DLQMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	if err := register(m.registerer, m.messagesTotal, m.lastSeen); err != nil {
		return err
	}
	m.registered = true
	return nil
}

// RecordMessageToDLQ records a message from topic being dead lettered.
func (m *DLQMetrics) RecordMessageToDLQ(topic, reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	tm := m.getOrCreateTopicMetrics(topic)
	tm.MessagesReceived++
	tm.Reasons[reason]++
	if tm.FirstSeenAt.IsZero() {
		tm.FirstSeenAt = now
	}
	tm.LastSeenAt = now

	m.messagesTotal.WithLabelValues(topic, reason).Inc()
	m.lastSeen.WithLabelValues(topic).Set(float64(now.Unix()))
}

// GetSnapshot returns a copy of all topic metrics.
func (m *DLQMetrics) GetSnapshot() DLQMetricsSnapshot {
	snapshot := DLQMetricsSnapshot{
		TopicMetrics: make(map[string]*DLQTopicMetrics),
		CollectedAt:  time.Now(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for topic, tm := range m.topicCounts {
		snapshot.TopicMetrics[topic] = tm.clone()
		snapshot.TotalMessages += tm.MessagesReceived
	}
	return snapshot
}

// GetTopicMetrics returns a copy of the metrics for topic, or nil.
func (m *DLQMetrics) GetTopicMetrics(topic string) *DLQTopicMetrics {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if tm, ok := m.topicCounts[topic]; ok {
		return tm.clone()
	}
	return nil
}

// Reset clears all recorded values.
func (m *DLQMetrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topicCounts = make(map[string]*DLQTopicMetrics)
	m.messagesTotal.Reset()
	m.lastSeen.Reset()
}

func (m *DLQMetrics) getOrCreateTopicMetrics(topic string) *DLQTopicMetrics {
	if tm, ok := m.topicCounts[topic]; ok {
		return tm
	}
	tm := &DLQTopicMetrics{Reasons: make(map[string]uint64)}
	m.topicCounts[topic] = tm
	return tm
}

func (tm *DLQTopicMetrics) clone() *DLQTopicMetrics {
	out := *tm
	out.Reasons = make(map[string]uint64, len(tm.Reasons))
	for k, v := range tm.Reasons {
		out.Reasons[k] = v
	}
	return &out
}

// register adds collectors, ignoring ones that are already registered.
func register(reg prometheus.Registerer, collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}
