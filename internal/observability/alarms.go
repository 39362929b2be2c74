package observability

import (
	"sync"
	"time"
)

// AlarmSeverity represents the severity level of an operator alarm.
type AlarmSeverity string

const (
	// AlarmSeverityWarn identifies degraded-mode conditions that self-heal.
	AlarmSeverityWarn AlarmSeverity = "WARN"
	// AlarmSeverityCritical identifies conditions requiring operator action.
	AlarmSeverityCritical AlarmSeverity = "CRITICAL"
)

// AlarmType enumerates operator-visible alarm categories.
type AlarmType string

const (
	// AlarmGapUnresolved signals a sequence gap released best-effort after timeout.
	AlarmGapUnresolved AlarmType = "reconcile.gap_unresolved"
	// AlarmPersistenceExhausted signals durable-write retry exhaustion for an entity.
	AlarmPersistenceExhausted AlarmType = "persistence.retries_exhausted"
	// AlarmPushDegraded signals push channel loss and pull-only operation.
	AlarmPushDegraded AlarmType = "venue.push_degraded"
	// AlarmSessionExpired signals a venue session that could not be renewed.
	AlarmSessionExpired AlarmType = "venue.session_expired"
)

// Alarm carries structured operator-alarm information.
type Alarm struct {
	Type      AlarmType      `json:"type"`
	Severity  AlarmSeverity  `json:"severity"`
	Entity    string         `json:"entity,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AlarmSink receives operator alarms raised by the pipeline.
type AlarmSink interface {
	Raise(alarm Alarm)
}

// AlarmLog stores raised alarms in a bounded in-memory ring for inspection.
// The oldest alarm is evicted when the capacity is reached.
type AlarmLog struct {
	mu       sync.Mutex
	capacity int
	alarms   []Alarm
	logger   Logger
}

// NewAlarmLog creates an alarm log with the provided capacity. Capacity <=0 implies unbounded.
func NewAlarmLog(capacity int, logger Logger) *AlarmLog {
	l := new(AlarmLog)
	l.capacity = capacity
	l.alarms = make([]Alarm, 0)
	l.logger = logger
	return l
}

// Raise records an alarm and mirrors it to the logger.
func (l *AlarmLog) Raise(alarm Alarm) {
	if alarm.Timestamp.IsZero() {
		alarm.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	if l.capacity > 0 && len(l.alarms) >= l.capacity {
		copy(l.alarms[0:], l.alarms[1:])
		l.alarms[len(l.alarms)-1] = alarm
	} else {
		l.alarms = append(l.alarms, alarm)
	}
	l.mu.Unlock()

	if l.logger == nil {
		return
	}
	fields := []Field{F("alarm", string(alarm.Type)), F("severity", string(alarm.Severity))}
	if alarm.Entity != "" {
		fields = append(fields, F("entity", alarm.Entity))
	}
	switch alarm.Severity {
	case AlarmSeverityCritical:
		l.logger.Error("operator alarm", fields...)
	default:
		l.logger.Warn("operator alarm", fields...)
	}
}

// Drain retrieves and clears all recorded alarms.
func (l *AlarmLog) Drain() []Alarm {
	l.mu.Lock()
	defer l.mu.Unlock()
	drained := make([]Alarm, len(l.alarms))
	copy(drained, l.alarms)
	l.alarms = l.alarms[:0]
	return drained
}

// Len returns the number of recorded alarms.
func (l *AlarmLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.alarms)
}
