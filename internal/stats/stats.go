// Package stats derives price statistics and chart series from fetched
// records. Everything here is pure and allocation-only.
package stats

import (
	"sort"
	"strings"

	"github.com/kjannette/pricesync/internal/models"
	"github.com/shopspring/decimal"
)

// ValueSelector extracts the value to aggregate from a record. Returning
// false skips the record.
type ValueSelector func(models.Record) (decimal.Decimal, bool)

// Price selects the record price.
func Price(r models.Record) (decimal.Decimal, bool) {
	return r.Price, true
}

var two = decimal.NewFromInt(2)

// ComputeStatistics aggregates the selected values of records. Values that
// are not strictly positive are ignored; an empty sample yields the zero
// PriceStatistics.
//
// Mode ties resolve to the smallest of the tied values.
func ComputeStatistics(records []models.Record, selector ValueSelector) models.PriceStatistics {
	if selector == nil {
		selector = Price
	}
	values := make([]decimal.Decimal, 0, len(records))
	for _, r := range records {
		v, ok := selector(r)
		if !ok {
			continue
		}
		values = append(values, v)
	}
	return Compute(values)
}

// Compute aggregates raw values with the same rules as ComputeStatistics.
func Compute(values []decimal.Decimal) models.PriceStatistics {
	sorted := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		if v.IsPositive() {
			sorted = append(sorted, v)
		}
	}
	n := len(sorted)
	if n == 0 {
		return models.PriceStatistics{
			Min:    decimal.Zero,
			Max:    decimal.Zero,
			Mean:   decimal.Zero,
			Median: decimal.Zero,
			Mode:   decimal.Zero,
		}
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	sum := decimal.Zero
	for _, v := range sorted {
		sum = sum.Add(v)
	}

	var median decimal.Decimal
	if n%2 == 1 {
		median = sorted[n/2]
	} else {
		median = sorted[n/2-1].Add(sorted[n/2]).Div(two)
	}

	return models.PriceStatistics{
		Min:         sorted[0],
		Max:         sorted[n-1],
		Mean:        sum.Div(decimal.NewFromInt(int64(n))),
		Median:      median,
		Mode:        mode(sorted),
		SampleCount: n,
	}
}

// mode expects ascending input; equal values are adjacent, and only a
// strictly longer run replaces the current best.
func mode(sorted []decimal.Decimal) decimal.Decimal {
	best := sorted[0]
	bestCount := 0
	for i := 0; i < len(sorted); {
		j := i + 1
		for j < len(sorted) && sorted[j].Equal(sorted[i]) {
			j++
		}
		if run := j - i; run > bestCount {
			best, bestCount = sorted[i], run
		}
		i = j
	}
	return best
}

type CommodityStats struct {
	Commodity string                 `json:"commodity"`
	Stats     models.PriceStatistics `json:"stats"`
}

// GroupByCommodity computes statistics per commodity name. Names are
// grouped case-insensitively; the first spelling seen is reported. Output
// is sorted by name.
func GroupByCommodity(records []models.Record, selector ValueSelector) []CommodityStats {
	type group struct {
		name    string
		records []models.Record
	}
	groups := map[string]*group{}
	var order []string
	for _, r := range records {
		name := strings.TrimSpace(r.CommodityName)
		if name == "" {
			continue
		}
		k := strings.ToLower(name)
		g, ok := groups[k]
		if !ok {
			g = &group{name: name}
			groups[k] = g
			order = append(order, k)
		}
		g.records = append(g.records, r)
	}
	sort.Strings(order)

	out := make([]CommodityStats, 0, len(order))
	for _, k := range order {
		g := groups[k]
		out = append(out, CommodityStats{Commodity: g.name, Stats: ComputeStatistics(g.records, selector)})
	}
	return out
}

var hundred = decimal.NewFromInt(100)

// ChangePercent returns the percentage change from one value to another,
// rounded to two places. It reports false when from is zero.
func ChangePercent(from, to decimal.Decimal) (decimal.Decimal, bool) {
	if from.IsZero() {
		return decimal.Zero, false
	}
	return to.Sub(from).Div(from).Mul(hundred).Round(2), true
}
