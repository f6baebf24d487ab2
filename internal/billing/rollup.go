package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/models"
)

// HostSource is the slice of the store the rollup reads.
// *store.Store satisfies it.
type HostSource interface {
	ListHostsInWindow(ctx context.Context, from, to time.Time, provider, userID string) ([]models.Host, error)
	ListPlatforms(ctx context.Context) ([]models.PlatformProfile, error)
}

// Filters restricts a rollup window. Empty fields match everything.
type Filters struct {
	Provider string
	UserID   string
}

// Caps are the configured spend limits. Zero disables a cap.
type Caps struct {
	SoftUSD  float64
	HardUSD  float64
	DailyUSD float64
}

// Rollup computes usage cost from persisted host records and the rate
// table. It is a pure query layer: nothing here mutates state.
type Rollup struct {
	source          HostSource
	rates           *RateTable
	caps            Caps
	maxSessionHours int
	logger          logging.Logger
	now             func() time.Time
}

func NewRollup(source HostSource, rates *RateTable, caps Caps, maxSessionHours int, logger logging.Logger) *Rollup {
	if maxSessionHours <= 0 {
		maxSessionHours = 8
	}
	return &Rollup{
		source:          source,
		rates:           rates,
		caps:            caps,
		maxSessionHours: maxSessionHours,
		logger:          logger,
		now:             time.Now,
	}
}

// Window prices every host whose lifetime overlaps [from, to]. Each
// host contributes clamped elapsed hours x rate x family multiplier;
// hours and cost round to 4 decimal places.
func (r *Rollup) Window(ctx context.Context, from, to time.Time, f Filters) (*models.BillingSummary, error) {
	hosts, err := r.source.ListHostsInWindow(ctx, from, to, f.Provider, f.UserID)
	if err != nil {
		return nil, err
	}

	families, sessionCaps, err := r.profileIndex(ctx)
	if err != nil {
		return nil, err
	}

	summary := &models.BillingSummary{
		Window:      "custom",
		From:        from,
		To:          to,
		GeneratedAt: time.Now().UTC(),
	}

	totalHours := decimal.Zero
	totalCost := decimal.Zero
	for i := range hosts {
		line := r.priceHost(&hosts[i], from, to, families, sessionCaps)
		if line == nil {
			continue
		}
		summary.Lines = append(summary.Lines, *line)
		totalHours = totalHours.Add(decimal.NewFromFloat(line.Hours))
		totalCost = totalCost.Add(decimal.NewFromFloat(line.CostUSD))
	}

	summary.SessionCount = len(summary.Lines)
	summary.TotalHours = totalHours.Round(4).InexactFloat64()
	summary.TotalUSD = totalCost.Round(4).InexactFloat64()
	return summary, nil
}

// Summary reports month-to-date and today's spend against the caps.
// Feeds GET /billing/summary and the supervisor's spend check.
func (r *Rollup) Summary(ctx context.Context) (*models.SpendStatus, error) {
	now := r.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	monthly, err := r.Window(ctx, monthStart, now, Filters{})
	if err != nil {
		return nil, err
	}
	daily, err := r.Window(ctx, dayStart, now, Filters{})
	if err != nil {
		return nil, err
	}

	status := &models.SpendStatus{
		DailySpendUSD:   daily.TotalUSD,
		MonthlySpendUSD: monthly.TotalUSD,
		DailyCapUSD:     r.caps.DailyUSD,
		SoftCapUSD:      r.caps.SoftUSD,
		HardCapUSD:      r.caps.HardUSD,
		SoftBreached:    r.caps.SoftUSD > 0 && monthly.TotalUSD >= r.caps.SoftUSD,
		HardBreached:    r.caps.HardUSD > 0 && monthly.TotalUSD >= r.caps.HardUSD,
		AsOf:            now,
	}
	return status, nil
}

// priceHost computes one usage line, or nil when the host contributes
// no billable time to the window.
func (r *Rollup) priceHost(h *models.Host, from, to time.Time, families map[string]string, sessionCaps map[string]int) *models.UsageLine {
	start := h.CreatedAt
	if start.Before(from) {
		start = from
	}
	end := h.UpdatedAt
	if h.LastActivity != nil {
		end = *h.LastActivity
	}
	if end.After(to) {
		end = to
	}
	if !end.After(start) {
		return nil
	}

	maxHours := r.maxSessionHours
	if profileMax, ok := sessionCaps[h.Platform]; ok && profileMax > 0 {
		maxHours = profileMax
	}
	elapsed := end.Sub(start)
	if ceiling := time.Duration(maxHours) * time.Hour; elapsed > ceiling {
		elapsed = ceiling
	}

	family := families[h.Platform]
	hours := decimal.NewFromInt(int64(elapsed / time.Second)).
		Div(decimal.NewFromInt(3600)).
		Round(4)

	rate, ok := r.rates.BaseRate(h.Tier, family, h.Provider)
	if !ok {
		if r.logger != nil {
			r.logger.WithFields(logging.Fields{
				"host_id":  h.ID,
				"tier":     h.Tier,
				"family":   family,
				"provider": h.Provider,
			}).Warn("No rate for host, billing it at zero")
		}
		rate = decimal.Zero
	}
	multiplier := r.rates.Multiplier(family)
	cost := hours.Mul(rate).Mul(multiplier).Round(4)

	return &models.UsageLine{
		SessionID:  h.SessionID,
		HostID:     h.ID,
		UserID:     h.UserID,
		Platform:   h.Platform,
		Family:     family,
		Provider:   h.Provider,
		Tier:       h.Tier,
		StartedAt:  &start,
		EndedAt:    &end,
		Hours:      hours.InexactFloat64(),
		RatePerHr:  rate.InexactFloat64(),
		Multiplier: multiplier.InexactFloat64(),
		CostUSD:    cost.InexactFloat64(),
	}
}

// profileIndex maps platform -> family and platform -> max session
// hours from the profile catalog.
func (r *Rollup) profileIndex(ctx context.Context) (map[string]string, map[string]int, error) {
	profiles, err := r.source.ListPlatforms(ctx)
	if err != nil {
		return nil, nil, err
	}
	families := make(map[string]string, len(profiles))
	sessionCaps := make(map[string]int, len(profiles))
	for _, p := range profiles {
		families[p.Platform] = p.Family
		sessionCaps[p.Platform] = p.MaxSessionHours
	}
	return families, sessionCaps, nil
}
