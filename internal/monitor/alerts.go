package monitor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Comparison tells an alert which side of its threshold should fire.
type Comparison string

const (
	Above Comparison = "above"
	Below Comparison = "below"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a threshold rule evaluated against the latest sample of a metric.
type Alert struct {
	ID            string        `json:"id"`
	Metric        MetricType    `json:"metric"`
	Comparison    Comparison    `json:"comparison"`
	Threshold     float64       `json:"threshold"`
	Severity      Severity      `json:"severity"`
	Message       string        `json:"message"`
	Enabled       bool          `json:"enabled"`
	Cooldown      time.Duration `json:"cooldown"`
	LastTriggered time.Time     `json:"last_triggered,omitempty"`
}

// AlertCallback receives a copy of each fired alert.
type AlertCallback func(Alert)

// AddCustomAlert registers a threshold rule. Missing ids and cooldowns get
// defaults.
func (m *Monitor) AddCustomAlert(a Alert) error {
	switch a.Comparison {
	case Above, Below:
	default:
		return fmt.Errorf("alert %q: unknown comparison %q", a.ID, a.Comparison)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Cooldown <= 0 {
		a.Cooldown = m.cfg.AlertCooldown
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, &a)
	m.mu.Unlock()
	return nil
}

// AddAlertCallback registers an observer. Callbacks run in registration
// order; a panicking callback does not block delivery to the rest.
func (m *Monitor) AddAlertCallback(cb AlertCallback) {
	m.mu.Lock()
	m.alertCbs = append(m.alertCbs, cb)
	m.mu.Unlock()
}

// checkAlerts evaluates every enabled alert whose cooldown has elapsed
// against the latest sample of its metric, firing callbacks on trigger.
func (m *Monitor) checkAlerts(now time.Time) {
	m.mu.Lock()
	var fired []Alert
	for _, a := range m.alerts {
		if !a.Enabled {
			continue
		}
		if !a.LastTriggered.IsZero() && now.Sub(a.LastTriggered) < a.Cooldown {
			continue
		}
		s := m.series[a.Metric]
		if len(s) == 0 {
			continue
		}
		latest := s[len(s)-1].Value
		triggered := (a.Comparison == Above && latest > a.Threshold) ||
			(a.Comparison == Below && latest < a.Threshold)
		if triggered {
			a.LastTriggered = now
			fired = append(fired, *a)
		}
	}
	cbs := append([]AlertCallback(nil), m.alertCbs...)
	m.mu.Unlock()

	for _, a := range fired {
		m.log.Warn("alert triggered",
			zap.String("alert_id", a.ID),
			zap.String("metric", string(a.Metric)),
			zap.Float64("threshold", a.Threshold),
			zap.String("severity", string(a.Severity)),
		)
		for _, cb := range cbs {
			m.deliverAlert(cb, a)
		}
	}
}

func (m *Monitor) deliverAlert(cb AlertCallback, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("alert callback panicked",
				zap.String("alert_id", a.ID),
				zap.Any("panic", r),
			)
		}
	}()
	cb(a)
}
