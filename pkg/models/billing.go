package models

import (
	"time"
)

// UsageLine is the billed cost of a single session, computed as
// clamped elapsed hours x provider/tier rate x platform family multiplier.
type UsageLine struct {
	SessionID  string     `json:"session_id" db:"session_id"`
	HostID     string     `json:"host_id" db:"host_id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Platform   string     `json:"platform" db:"platform"`
	Family     string     `json:"platform_family" db:"platform_family"`
	Provider   string     `json:"provider" db:"provider"`
	Tier       string     `json:"tier" db:"tier"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	Hours      float64    `json:"hours"`
	RatePerHr  float64    `json:"rate_per_hour"`
	Multiplier float64    `json:"multiplier"`
	CostUSD    float64    `json:"cost_usd"`
}

// BillingSummary aggregates usage lines over a window.
type BillingSummary struct {
	Window       string      `json:"window"` // daily, monthly, custom
	From         time.Time   `json:"from"`
	To           time.Time   `json:"to"`
	SessionCount int         `json:"session_count"`
	TotalHours   float64     `json:"total_hours"`
	TotalUSD     float64     `json:"total_usd"`
	Lines        []UsageLine `json:"lines,omitempty"`
	GeneratedAt  time.Time   `json:"generated_at"`
}

// SpendStatus reports accumulated spend against the configured caps.
// Caps set to zero are disabled.
type SpendStatus struct {
	DailySpendUSD   float64   `json:"daily_spend_usd"`
	MonthlySpendUSD float64   `json:"monthly_spend_usd"`
	DailyCapUSD     float64   `json:"daily_cap_usd"`
	SoftCapUSD      float64   `json:"soft_cap_usd"`
	HardCapUSD      float64   `json:"hard_cap_usd"`
	SoftBreached    bool      `json:"soft_breached"`
	HardBreached    bool      `json:"hard_breached"`
	AsOf            time.Time `json:"as_of"`
}

// Spend alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Severity grades the spend status for alerting: critical when any cap
// is fully consumed, warning when spend reaches 80% of a cap, empty
// otherwise.
func (s *SpendStatus) Severity() string {
	monthly := capRatio(s.MonthlySpendUSD, s.SoftCapUSD)
	daily := capRatio(s.DailySpendUSD, s.DailyCapUSD)
	switch {
	case s.HardBreached || monthly >= 1 || daily >= 1:
		return SeverityCritical
	case monthly >= 0.8 || daily >= 0.8:
		return SeverityWarning
	}
	return ""
}

func capRatio(spend, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return spend / limit
}
