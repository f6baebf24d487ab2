// Package billing prices fleet usage. The rate table feeds two
// consumers: the orchestrator's provider preference walk (cost caps)
// and the usage rollup behind the billing API and the supervisor's
// spend check. All money math is decimal; floats only appear at the
// JSON boundary.
package billing

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// FamilyAny is the wildcard platform family in a rate row.
const FamilyAny = "*"

// Rate prices one (provider, tier, family) combination per hour.
type Rate struct {
	Provider  string          `json:"provider"`
	Tier      string          `json:"tier"`
	Family    string          `json:"platform_family"`
	HourlyUSD decimal.Decimal `json:"hourly_usd"`
}

// RateTable is the pricing source. Immutable after load.
type RateTable struct {
	Rates       []Rate                     `json:"rates"`
	Multipliers map[string]decimal.Decimal `json:"family_multipliers"`
}

// DefaultRateTable returns the embedded rates. CloudyPad rows bake the
// 25% managed overhead into the GCP list prices (0.12/0.28/0.85).
func DefaultRateTable() *RateTable {
	return &RateTable{
		Rates: []Rate{
			{Provider: "tensordock", Tier: "retro", Family: FamilyAny, HourlyUSD: dec("0.15")},
			{Provider: "tensordock", Tier: "advanced", Family: FamilyAny, HourlyUSD: dec("0.35")},
			{Provider: "tensordock", Tier: "premium", Family: FamilyAny, HourlyUSD: dec("1.20")},
			{Provider: "cloudypad", Tier: "retro", Family: FamilyAny, HourlyUSD: dec("0.15")},
			{Provider: "cloudypad", Tier: "advanced", Family: FamilyAny, HourlyUSD: dec("0.35")},
			{Provider: "cloudypad", Tier: "premium", Family: FamilyAny, HourlyUSD: dec("1.0625")},
		},
		Multipliers: map[string]decimal.Decimal{
			"switch":   dec("1.3"),
			"3ds":      dec("1.1"),
			"gamecube": dec("1.2"),
			"wii":      dec("1.2"),
		},
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// LoadRateTable reads a JSON rate file and merges it over the embedded
// defaults: file rows replace default rows with the same key, file
// multipliers replace same-family defaults. An empty path returns the
// defaults unchanged.
func LoadRateTable(path string) (*RateTable, error) {
	table := DefaultRateTable()
	if path == "" {
		return table, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate table %s: %w", path, err)
	}
	var overlay RateTable
	if err := json.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse rate table %s: %w", path, err)
	}

	byKey := make(map[string]int, len(table.Rates))
	for i, r := range table.Rates {
		byKey[rateKey(r.Provider, r.Tier, r.Family)] = i
	}
	for _, r := range overlay.Rates {
		if i, ok := byKey[rateKey(r.Provider, r.Tier, r.Family)]; ok {
			table.Rates[i] = r
			continue
		}
		byKey[rateKey(r.Provider, r.Tier, r.Family)] = len(table.Rates)
		table.Rates = append(table.Rates, r)
	}
	for family, m := range overlay.Multipliers {
		table.Multipliers[family] = m
	}
	return table, nil
}

func rateKey(provider, tier, family string) string {
	return provider + "|" + tier + "|" + family
}

// BaseRate resolves the hourly rate for (tier, family, provider):
// exact family match first, then the wildcard row.
func (t *RateTable) BaseRate(tier, family, provider string) (decimal.Decimal, bool) {
	var wildcard decimal.Decimal
	haveWildcard := false
	for _, r := range t.Rates {
		if r.Provider != provider || r.Tier != tier {
			continue
		}
		if r.Family == family {
			return r.HourlyUSD, true
		}
		if r.Family == FamilyAny {
			wildcard = r.HourlyUSD
			haveWildcard = true
		}
	}
	return wildcard, haveWildcard
}

// Multiplier returns the platform family multiplier, 1.0 when unlisted.
func (t *RateTable) Multiplier(family string) decimal.Decimal {
	if m, ok := t.Multipliers[family]; ok {
		return m
	}
	return decimal.NewFromInt(1)
}

// HourlyCost is the effective hourly price: base rate x family
// multiplier. The bool is false when no rate row covers the
// combination.
func (t *RateTable) HourlyCost(tier, family, provider string) (decimal.Decimal, bool) {
	rate, ok := t.BaseRate(tier, family, provider)
	if !ok {
		return decimal.Decimal{}, false
	}
	return rate.Mul(t.Multiplier(family)), true
}

// HourlyCostUSD is HourlyCost as a float, for cost-cap comparisons in
// the provider preference walk.
func (t *RateTable) HourlyCostUSD(tier, family, provider string) (float64, bool) {
	cost, ok := t.HourlyCost(tier, family, provider)
	if !ok {
		return 0, false
	}
	return cost.InexactFloat64(), true
}
