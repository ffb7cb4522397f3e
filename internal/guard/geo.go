package guard

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/vndev/sentinel/internal/kvstore"
	"github.com/vndev/sentinel/internal/logging"
	"github.com/vndev/sentinel/internal/metrics"
	"github.com/vndev/sentinel/internal/traces"
)

// GeoKeyPrefix namespaces last-known locations in the store.
const GeoKeyPrefix = "sentinel:geo:"

// EarthRadiusMeters is the sphere radius used by Distance.
const EarthRadiusMeters = 6371000.0

// Geo defaults: faster than 500 km/h within an hour of the previous
// transaction is denied; locations are remembered for 24 hours.
const (
	DefaultMaxSpeedKmh = 500.0
	DefaultMaxElapsed  = time.Hour
	DefaultGeoTTL      = 24 * time.Hour
)

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// GeoRecord is the last accepted location of a card.
type GeoRecord struct {
	Point
	Timestamp int64 // epoch seconds
}

// EncodeGeoRecord renders r as "lat;lon;epochSeconds". The layout is shared
// with other processes reading the same store.
func EncodeGeoRecord(r GeoRecord) string {
	return strconv.FormatFloat(r.Lat, 'f', -1, 64) + ";" +
		strconv.FormatFloat(r.Lon, 'f', -1, 64) + ";" +
		strconv.FormatInt(r.Timestamp, 10)
}

// ParseGeoRecord parses the "lat;lon;epochSeconds" encoding.
func ParseGeoRecord(s string) (GeoRecord, error) {
	parts := strings.Split(s, ";")
	if len(parts) != 3 {
		return GeoRecord{}, fmt.Errorf("geo record must have 3 fields, got %d", len(parts))
	}

	lat, err := parseCoordinate(parts[0], 90)
	if err != nil {
		return GeoRecord{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := parseCoordinate(parts[1], 180)
	if err != nil {
		return GeoRecord{}, fmt.Errorf("longitude: %w", err)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
	if err != nil {
		return GeoRecord{}, fmt.Errorf("timestamp: %w", err)
	}

	return GeoRecord{Point: Point{Lat: lat, Lon: lon}, Timestamp: ts}, nil
}

func parseCoordinate(s string, limit float64) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.Abs(v) > limit {
		return 0, fmt.Errorf("%v out of range", v)
	}
	return v, nil
}

// Distance returns the great-circle distance in meters between a and b
// (haversine formula).
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// SpeedKmh is the average speed implied by covering meters in seconds.
func SpeedKmh(meters float64, seconds int64) float64 {
	return (meters / 1000.0) / (float64(seconds) / 3600.0)
}

// Geo flags physically impossible travel between consecutive transactions
// of the same card.
//
// A denied transaction does not replace the stored location, so the next
// one is still compared against the last accepted point. The read and the
// write are separate store calls; concurrent transactions for one card are
// last-writer-wins.
type Geo struct {
	store       kvstore.Store
	maxSpeedKmh float64
	maxElapsed  time.Duration
	ttl         time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewGeo creates a geo-velocity guard with the default thresholds.
func NewGeo(store kvstore.Store, logger *slog.Logger) *Geo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Geo{
		store:       store,
		maxSpeedKmh: DefaultMaxSpeedKmh,
		maxElapsed:  DefaultMaxElapsed,
		ttl:         DefaultGeoTTL,
		now:         time.Now,
		logger:      logger,
	}
}

// WithMaxSpeed overrides the speed above which travel is impossible.
func (g *Geo) WithMaxSpeed(kmh float64) *Geo {
	g.maxSpeedKmh = kmh
	return g
}

// WithMaxElapsed overrides the gap beyond which the speed test is skipped.
func (g *Geo) WithMaxElapsed(d time.Duration) *Geo {
	g.maxElapsed = d
	return g
}

// WithTTL overrides how long a location is remembered.
func (g *Geo) WithTTL(d time.Duration) *Geo {
	g.ttl = d
	return g
}

// WithClock overrides the clock used for timestamps.
func (g *Geo) WithClock(now func() time.Time) *Geo {
	g.now = now
	return g
}

// Check compares p against the card's last accepted location and, unless
// the travel is impossible, stores p as the new baseline.
func (g *Geo) Check(ctx context.Context, cardToken string, p Point) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "guard.geo", traces.CardToken(cardToken))
	defer span.End()

	key := GeoKeyPrefix + cardToken
	now := g.now().Unix()

	raw, found, err := g.store.GetString(ctx, key)
	if err != nil {
		metrics.GuardErrorsTotal.WithLabelValues("geo").Inc()
		span.RecordError(err)
		return false, fmt.Errorf("read last location: %w", err)
	}

	if found {
		if prev, err := ParseGeoRecord(raw); err != nil {
			// Corrupt history must not block new activity.
			metrics.MalformedGeoRecordsTotal.Inc()
			g.logger.Warn("ignoring malformed geo record",
				"card", logging.MaskCard(cardToken),
				"error", err,
			)
		} else if !g.plausible(cardToken, prev, p, now) {
			span.SetAttributes(traces.Allowed(false))
			return false, nil
		}
	}

	record := GeoRecord{Point: p, Timestamp: now}
	if err := g.store.SetString(ctx, key, EncodeGeoRecord(record), g.ttl); err != nil {
		metrics.GuardErrorsTotal.WithLabelValues("geo").Inc()
		span.RecordError(err)
		return false, fmt.Errorf("save location: %w", err)
	}

	span.SetAttributes(traces.Allowed(true))
	return true, nil
}

func (g *Geo) plausible(cardToken string, prev GeoRecord, p Point, now int64) bool {
	meters := Distance(prev.Point, p)
	elapsed := now - prev.Timestamp
	if elapsed <= 0 {
		elapsed = 1
	}
	speed := SpeedKmh(meters, elapsed)

	g.logger.Debug("geo analysis",
		"card", logging.MaskCard(cardToken),
		"distance_m", meters,
		"elapsed_s", elapsed,
		"speed_kmh", speed,
	)

	if speed > g.maxSpeedKmh && elapsed < int64(g.maxElapsed/time.Second) {
		g.logger.Warn("blocked: impossible travel",
			"card", logging.MaskCard(cardToken),
			"distance_m", math.Round(meters),
			"elapsed_s", elapsed,
			"speed_kmh", math.Round(speed),
		)
		return false
	}
	return true
}
