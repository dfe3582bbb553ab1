package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kjannette/pricesync/internal/fetch"
	"github.com/kjannette/pricesync/internal/geo"
	"github.com/kjannette/pricesync/internal/models"
	"github.com/kjannette/pricesync/internal/stats"
)

// freshness is attached to every record response.
type freshness struct {
	Collection string     `json:"collection"`
	FromCache  bool       `json:"fromCache"`
	Offline    bool       `json:"offline"`
	Stale      bool       `json:"stale"`
	StoredAt   *time.Time `json:"storedAt,omitempty"`
	Warning    string     `json:"warning,omitempty"`
}

type recordsResponse struct {
	freshness
	Records []models.Record `json:"records"`
}

type nearbyResponse struct {
	freshness
	Center   models.Coordinates `json:"center"`
	RadiusKm float64            `json:"radiusKm"`
	Results  []geo.Ranked       `json:"results"`
}

type statsResponse struct {
	freshness
	Stats       models.PriceStatistics `json:"stats"`
	ByCommodity []stats.CommodityStats `json:"byCommodity,omitempty"`
}

type seriesResponse struct {
	freshness
	Bucket string              `json:"bucket"`
	Points []stats.SeriesPoint `json:"points"`
}

// load reads a collection through the cache orchestrator.
func (s *Server) load(ctx context.Context, r *http.Request) ([]models.Record, freshness, error) {
	collection := strings.Trim(strings.TrimSpace(r.URL.Query().Get("collection")), "/")
	if collection == "" {
		return nil, freshness{}, models.Invalid("collection is required")
	}
	opts := fetch.DefaultOptions()
	opts.MaxAge = s.deps.MaxAge
	opts.ForceRefresh = r.URL.Query().Get("refresh") == "true"

	res, err := fetch.FetchWithCache(ctx, s.deps.Orchestrator, collection,
		func(ctx context.Context) ([]models.Record, error) {
			return s.deps.Source.FetchCollection(ctx, collection)
		}, opts)
	if err != nil {
		return nil, freshness{}, err
	}

	f := freshness{
		Collection: collection,
		FromCache:  res.FromCache,
		Offline:    res.Offline,
		Stale:      res.Stale,
	}
	if !res.StoredAt.IsZero() {
		at := res.StoredAt.UTC()
		f.StoredAt = &at
	}
	if res.Err != nil {
		f.Warning = "refresh failed, serving cached data"
	}
	return res.Data, f, nil
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	recs, f, err := s.load(r.Context(), r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	recs = filterByName(recs, r.URL.Query().Get("name"))
	if recs == nil {
		recs = []models.Record{}
	}
	writeJSON(w, http.StatusOK, recordsResponse{freshness: f, Records: recs})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	center, radius, hasCenter, err := s.parseArea(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if !hasCenter {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}

	recs, f, err := s.load(r.Context(), r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	within := geo.FilterByRadius(recs, center, radius, r.URL.Query().Get("name"))
	writeJSON(w, http.StatusOK, nearbyResponse{
		freshness: f,
		Center:    center,
		RadiusKm:  radius,
		Results:   geo.Nearest(within, center, parseLimit(r, 100)),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	center, radius, hasCenter, err := s.parseArea(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	recs, f, err := s.load(r.Context(), r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	name := r.URL.Query().Get("name")
	if hasCenter {
		recs = geo.FilterByRadius(recs, center, radius, name)
	} else {
		recs = filterByName(recs, name)
	}

	resp := statsResponse{freshness: f, Stats: stats.ComputeStatistics(recs, stats.Price)}
	if strings.TrimSpace(name) == "" {
		resp.ByCommodity = stats.GroupByCommodity(recs, stats.Price)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	bucket := r.URL.Query().Get("bucket")
	if bucket == "" {
		bucket = "day"
	}
	bucketFn, err := stats.BucketFuncFor(bucket)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if !validateDate(v) {
			writeError(w, http.StatusBadRequest, "invalid since, expected YYYY-MM-DD")
			return
		}
		since, _ = time.Parse("2006-01-02", v)
	}

	recs, f, err := s.load(r.Context(), r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	recs = filterByName(recs, r.URL.Query().Get("name"))
	if !since.IsZero() {
		kept := recs[:0:0]
		for _, rec := range recs {
			if !rec.CapturedAt.Before(since) {
				kept = append(kept, rec)
			}
		}
		recs = kept
	}

	writeJSON(w, http.StatusOK, seriesResponse{
		freshness: f,
		Bucket:    strings.ToLower(bucket),
		Points:    stats.Series(recs, bucketFn, stats.Price),
	})
}

// parseArea reads lat, lon and radius. radius falls back to the
// configured default; a center is only reported when both lat and lon
// are present.
func (s *Server) parseArea(r *http.Request) (models.Coordinates, float64, bool, error) {
	lat, hasLat, err := parseFloat(r, "lat")
	if err != nil {
		return models.Coordinates{}, 0, false, err
	}
	lon, hasLon, err := parseFloat(r, "lon")
	if err != nil {
		return models.Coordinates{}, 0, false, err
	}
	radius, hasRadius, err := parseFloat(r, "radius")
	if err != nil {
		return models.Coordinates{}, 0, false, err
	}
	if !hasRadius {
		radius = s.deps.DefaultRadiusKm
	}
	if hasLat != hasLon {
		return models.Coordinates{}, 0, false, models.Invalid("lat and lon must be given together")
	}

	center := models.Coordinates{Lat: lat, Lon: lon}
	if err := geo.ValidateQuery(center, radius); err != nil {
		return models.Coordinates{}, 0, false, err
	}
	return center, radius, hasLat, nil
}

func filterByName(recs []models.Record, name string) []models.Record {
	name = strings.TrimSpace(name)
	if name == "" {
		return recs
	}
	out := make([]models.Record, 0, len(recs))
	for _, r := range recs {
		if strings.EqualFold(strings.TrimSpace(r.CommodityName), name) {
			out = append(out, r)
		}
	}
	return out
}
