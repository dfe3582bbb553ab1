package models

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IsZero reports the degenerate (0,0) position upstream data uses for
// "location unknown".
func (c Coordinates) IsZero() bool {
	return c.Lat == 0 && c.Lon == 0
}

// Valid reports whether c is a usable position: finite, within WGS84
// ranges and not (0,0).
func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return false
	}
	return !c.IsZero()
}

type Record struct {
	ID            string          `json:"id"`
	Collection    string          `json:"collection,omitempty"`
	CommodityName string          `json:"commodityName"`
	Price         decimal.Decimal `json:"price"`
	Coordinates   Coordinates     `json:"coordinates"`
	CapturedAt    time.Time       `json:"capturedAt"`
	Market        string          `json:"market,omitempty"`
	Unit          string          `json:"unit,omitempty"`
}

type PriceStatistics struct {
	Min         decimal.Decimal `json:"min"`
	Max         decimal.Decimal `json:"max"`
	Mean        decimal.Decimal `json:"mean"`
	Median      decimal.Decimal `json:"median"`
	Mode        decimal.Decimal `json:"mode"`
	SampleCount int             `json:"sampleCount"`
}
