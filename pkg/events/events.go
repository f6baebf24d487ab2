package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/nyc-design/Gamer/pkg/models"
)

// Event types emitted on the fleet event topic.
const (
	TypeStateChanged = "host.state_changed"
	TypeSessionStart = "session.started"
	TypeSessionEnd   = "session.ended"
	TypeSpendAlert   = "spend.alert"
)

// Event is a fleet lifecycle event.
type Event struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	HostID    string                 `json:"host_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Platform  string                 `json:"platform,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

func newEvent(eventType string) Event {
	return Event{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Source:    "warden",
	}
}

// NewStateChanged builds a host.state_changed event.
func NewStateChanged(host *models.Host, from, to models.LifecycleState, reason string) Event {
	e := newEvent(TypeStateChanged)
	e.HostID = host.ID
	e.SessionID = host.SessionID
	e.UserID = host.UserID
	e.Platform = host.Platform
	e.Provider = host.Provider
	e.Data = map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	}
	if reason != "" {
		e.Data["reason"] = reason
	}
	return e
}

// NewSessionStarted builds a session.started event.
func NewSessionStarted(host *models.Host) Event {
	e := newEvent(TypeSessionStart)
	e.HostID = host.ID
	e.SessionID = host.SessionID
	e.UserID = host.UserID
	e.Platform = host.Platform
	e.Provider = host.Provider
	return e
}

// NewSessionEnded builds a session.ended event.
func NewSessionEnded(host *models.Host, reason string) Event {
	e := newEvent(TypeSessionEnd)
	e.HostID = host.ID
	e.SessionID = host.SessionID
	e.UserID = host.UserID
	e.Platform = host.Platform
	e.Provider = host.Provider
	if reason != "" {
		e.Data = map[string]interface{}{"reason": reason}
	}
	return e
}

// NewSpendAlert builds a spend.alert event from the current spend status.
func NewSpendAlert(status models.SpendStatus, severity string) Event {
	e := newEvent(TypeSpendAlert)
	e.Data = map[string]interface{}{
		"severity":          severity,
		"daily_spend_usd":   status.DailySpendUSD,
		"monthly_spend_usd": status.MonthlySpendUSD,
		"daily_cap_usd":     status.DailyCapUSD,
		"soft_cap_usd":      status.SoftCapUSD,
		"hard_cap_usd":      status.HardCapUSD,
	}
	return e
}
