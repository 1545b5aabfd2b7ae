// Package notify fans out operator alerts to chat platforms. Alerts are
// best-effort: a delivery failure is logged by the caller and never blocks a
// job loop.
package notify

import (
	"context"
	"fmt"
	"strings"
)

// Severity levels for alert color coding.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Event is one operator alert.
type Event struct {
	Title    string
	Body     string
	Severity string
	Fields   map[string]string
}

// Notifier delivers events to one platform.
type Notifier interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// Multi fans an event out to every configured notifier.
type Multi struct {
	sinks []Notifier
}

// NewMulti returns a Multi over the given sinks. An empty sink list is valid
// and makes Send a no-op.
func NewMulti(sinks ...Notifier) *Multi {
	return &Multi{sinks: sinks}
}

// Send delivers ev to all sinks, collecting failures.
func (m *Multi) Send(ctx context.Context, ev Event) error {
	var errs []string
	for _, s := range m.sinks {
		if err := s.Send(ctx, ev); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Close closes all sinks.
func (m *Multi) Close() error {
	var errs []string
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: close: %s", strings.Join(errs, "; "))
	}
	return nil
}

// severityColor maps a severity to a sidebar color hint.
func severityColor(severity string) string {
	switch severity {
	case SeverityError:
		return "#d00000"
	case SeverityWarning:
		return "#e8a317"
	default:
		return "#36a64f"
	}
}
