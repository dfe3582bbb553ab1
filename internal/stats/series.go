package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kjannette/pricesync/internal/models"
)

// BucketFunc maps a timestamp to a bucket label.
type BucketFunc func(time.Time) string

func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Week labels by ISO week, e.g. "2024-W03".
func Week(t time.Time) string {
	y, w := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

func Month(t time.Time) string {
	return t.UTC().Format("2006-01")
}

var bucketFuncs = map[string]BucketFunc{
	"day":     Day,
	"daily":   Day,
	"week":    Week,
	"weekly":  Week,
	"month":   Month,
	"monthly": Month,
}

// BucketFuncFor resolves a bucket name ("day", "week", "month").
func BucketFuncFor(name string) (BucketFunc, error) {
	fn, ok := bucketFuncs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, models.Invalid("bucket %q: must be day, week or month", name)
	}
	return fn, nil
}

type Bucket struct {
	Label   string          `json:"label"`
	Start   time.Time       `json:"start"`
	Records []models.Record `json:"records"`
}

// BucketByDate groups records by bucketFn(CapturedAt). Buckets are sorted
// by Start, the earliest CapturedAt in each bucket, not by the order labels
// first appear in records; the two differ when records are unsorted.
// Records keep input order inside a bucket. Records without a capture time
// are skipped.
func BucketByDate(records []models.Record, bucketFn BucketFunc) []Bucket {
	if bucketFn == nil {
		bucketFn = Day
	}
	index := map[string]int{}
	var buckets []Bucket
	for _, r := range records {
		if r.CapturedAt.IsZero() {
			continue
		}
		label := bucketFn(r.CapturedAt)
		i, ok := index[label]
		if !ok {
			i = len(buckets)
			index[label] = i
			buckets = append(buckets, Bucket{Label: label, Start: r.CapturedAt})
		}
		b := &buckets[i]
		b.Records = append(b.Records, r)
		if r.CapturedAt.Before(b.Start) {
			b.Start = r.CapturedAt
		}
	}
	sort.SliceStable(buckets, func(i, j int) bool {
		return buckets[i].Start.Before(buckets[j].Start)
	})
	return buckets
}

type SeriesPoint struct {
	Label string                 `json:"label"`
	Start time.Time              `json:"start"`
	Stats models.PriceStatistics `json:"stats"`
}

// Series computes one statistics point per date bucket, ready for a chart.
func Series(records []models.Record, bucketFn BucketFunc, selector ValueSelector) []SeriesPoint {
	buckets := BucketByDate(records, bucketFn)
	out := make([]SeriesPoint, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, SeriesPoint{
			Label: b.Label,
			Start: b.Start,
			Stats: ComputeStatistics(b.Records, selector),
		})
	}
	return out
}
