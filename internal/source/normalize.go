package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kjannette/pricesync/internal/models"
	"github.com/shopspring/decimal"
)

// Normalize turns a loosely shaped document into a Record. It accepts the
// spellings seen in the field: name or commodity, numeric or string
// prices, nested or flat coordinates, epoch or RFC3339 timestamps. Missing
// coordinates are left zero so the geo filter excludes the record.
func Normalize(collection, id string, doc map[string]any) (models.Record, error) {
	rec := models.Record{Collection: collection, ID: id}
	if v, ok := doc["id"]; ok {
		if s := scalarString(v); s != "" {
			rec.ID = s
		}
	}
	if rec.ID == "" {
		return models.Record{}, models.Invalid("document has no id")
	}

	rec.CommodityName = strings.TrimSpace(firstString(doc, "name", "commodity", "commodityName"))
	if rec.CommodityName == "" {
		return models.Record{}, models.Invalid("document %s has no commodity name", rec.ID)
	}

	price, err := toDecimal(doc["price"])
	if err != nil {
		return models.Record{}, models.Invalid("document %s price: %v", rec.ID, err)
	}
	rec.Price = price

	rec.Coordinates = coordinates(doc)
	rec.CapturedAt = timestamp(doc)
	rec.Market = strings.TrimSpace(firstString(doc, "market", "marketName"))
	rec.Unit = strings.TrimSpace(firstString(doc, "unit"))
	return rec, nil
}

// NormalizeDocuments converts a collection body, either an object keyed
// by document id or an array of documents, skipping documents that do
// not normalize. Object bodies come back sorted by id.
func NormalizeDocuments(collection string, body any) (recs []models.Record, skipped int) {
	recs = []models.Record{}
	switch b := body.(type) {
	case map[string]any:
		ids := make([]string, 0, len(b))
		for id := range b {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			doc, ok := b[id].(map[string]any)
			if !ok {
				skipped++
				continue
			}
			rec, err := Normalize(collection, id, doc)
			if err != nil {
				skipped++
				continue
			}
			recs = append(recs, rec)
		}
	case []any:
		for i, v := range b {
			doc, ok := v.(map[string]any)
			if !ok {
				skipped++
				continue
			}
			rec, err := Normalize(collection, strconv.Itoa(i), doc)
			if err != nil {
				skipped++
				continue
			}
			recs = append(recs, rec)
		}
	}
	return recs, skipped
}

func firstString(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := scalarString(doc[k]); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return ""
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, errors.New("missing")
	case decimal.Decimal:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return decimal.Zero, fmt.Errorf("not finite")
		}
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case json.Number:
		return decimal.NewFromString(t.String())
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(t, ",", ""))
		return decimal.NewFromString(s)
	}
	return decimal.Zero, fmt.Errorf("unsupported type %T", v)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func coordinates(doc map[string]any) models.Coordinates {
	for _, key := range []string{"coordinates", "location"} {
		if nested, ok := doc[key].(map[string]any); ok {
			if c, ok := latLon(nested); ok {
				return c
			}
		}
	}
	c, _ := latLon(doc)
	return c
}

func latLon(m map[string]any) (models.Coordinates, bool) {
	lat, okLat := firstFloat(m, "lat", "latitude")
	lon, okLon := firstFloat(m, "lon", "lng", "longitude")
	if !okLat || !okLon {
		return models.Coordinates{}, false
	}
	return models.Coordinates{Lat: lat, Lon: lon}, true
}

func firstFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := toFloat(m[k]); ok {
			return f, true
		}
	}
	return 0, false
}

// epochMillisCutoff separates epoch seconds from epoch milliseconds.
const epochMillisCutoff = 1e11

func timestamp(doc map[string]any) time.Time {
	for _, k := range []string{"capturedAt", "timestamp", "createdAt", "date"} {
		if t, ok := toTime(doc[k]); ok {
			return t
		}
	}
	return time.Time{}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return ts.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return fromEpoch(f), true
		}
	case map[string]any:
		// {"seconds": ..., "nanoseconds": ...} as exported by document stores
		if s, ok := firstFloat(t, "seconds", "_seconds"); ok {
			ns, _ := firstFloat(t, "nanoseconds", "_nanoseconds")
			return time.Unix(int64(s), int64(ns)).UTC(), true
		}
	default:
		if f, ok := toFloat(v); ok && f > 0 {
			return fromEpoch(f), true
		}
	}
	return time.Time{}, false
}

func fromEpoch(f float64) time.Time {
	if f >= epochMillisCutoff {
		return time.UnixMilli(int64(f)).UTC()
	}
	return time.Unix(int64(f), 0).UTC()
}
