package abuse

import (
	"context"
	"encoding/json"
	"time"

	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/logger"
	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/validation"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ThresholdSet is the immutable per-deployment catalogue of abuse limits.
// Values are carried explicitly on the service; nothing mutates this at runtime.
type ThresholdSet struct {
	Version int `json:"version" validate:"gte=1"`

	// Rider cancellation history
	ExcessiveCancellations24h    int     `json:"excessive_cancellations_24h" validate:"gte=1"`
	ExcessiveCancellationsHigh   int     `json:"excessive_cancellations_high" validate:"gte=1"`
	ExcessiveCancellationsFactor float64 `json:"excessive_cancellations_factor" validate:"gte=1"`

	LateCancellationsWeek   int           `json:"late_cancellations_week" validate:"gte=1"`
	LateCancellationAfter   time.Duration `json:"late_cancellation_after" validate:"gt=0"`
	LateCancellationsFactor float64       `json:"late_cancellations_factor" validate:"gte=1"`

	ReservationAbuseWeek   int     `json:"reservation_abuse_week" validate:"gte=1"`
	ReservationAbuseFactor float64 `json:"reservation_abuse_factor" validate:"gte=1"`

	// Driver cancellation history
	DriverCancellationsWeek int `json:"driver_cancellations_week" validate:"gte=1"`
	DriverCancellationsHigh int `json:"driver_cancellations_high" validate:"gte=1"`

	// No-shows
	NoShowsMonth int `json:"no_shows_month" validate:"gte=1"`
	NoShowsHigh  int `json:"no_shows_high" validate:"gte=1"`

	// Movement telemetry
	MinMovementSamples     int           `json:"min_movement_samples" validate:"gte=2"`
	FakeMovementDistanceKm float64       `json:"fake_movement_distance_km" validate:"gt=0"`
	FakeMovementDuration   time.Duration `json:"fake_movement_duration" validate:"gt=0"`
	FakeMovementRatio      float64       `json:"fake_movement_ratio" validate:"gt=0,lte=1"`
	DriverIdleLimit        time.Duration `json:"driver_idle_limit" validate:"gt=0"`

	// Cancel after driver moving
	MovingCancelDistanceKm float64 `json:"moving_cancel_distance_km" validate:"gt=0"`
	MovingCancelFactor     float64 `json:"moving_cancel_factor" validate:"gte=1"`
}

// DefaultThresholds is the catalogue shipped with the engine.
var DefaultThresholds = ThresholdSet{
	Version: 1,

	ExcessiveCancellations24h:    3,
	ExcessiveCancellationsHigh:   5,
	ExcessiveCancellationsFactor: 1.5,

	LateCancellationsWeek:   2,
	LateCancellationAfter:   2 * time.Minute,
	LateCancellationsFactor: 1.25,

	ReservationAbuseWeek:   2,
	ReservationAbuseFactor: 2.0,

	DriverCancellationsWeek: 3,
	DriverCancellationsHigh: 5,

	NoShowsMonth: 3,
	NoShowsHigh:  5,

	MinMovementSamples:     5,
	FakeMovementDistanceKm: 0.05,
	FakeMovementDuration:   60 * time.Second,
	FakeMovementRatio:      0.5,
	DriverIdleLimit:        10 * time.Minute,

	MovingCancelDistanceKm: 0.5,
	MovingCancelFactor:     2.5,
}

// ThresholdStoreKey is the Redis key holding the active threshold catalogue.
const ThresholdStoreKey = "abuse:thresholds"

// ThresholdStore serves a versioned threshold catalogue from Redis, queried
// per call so config changes apply without a restart. Any miss or error
// falls back to the injected defaults; the store never fails a check.
type ThresholdStore struct {
	client   redis.Cmdable
	defaults ThresholdSet
}

// NewThresholdStore creates a store over the given Redis client
func NewThresholdStore(client redis.Cmdable, defaults ThresholdSet) *ThresholdStore {
	return &ThresholdStore{client: client, defaults: defaults}
}

// Load returns the current threshold catalogue
func (s *ThresholdStore) Load(ctx context.Context) ThresholdSet {
	raw, err := s.client.Get(ctx, ThresholdStoreKey).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("threshold store unavailable, using defaults", zap.Error(err))
		}
		return s.defaults
	}

	var set ThresholdSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		logger.Warn("malformed threshold catalogue in store, using defaults", zap.Error(err))
		return s.defaults
	}

	if err := validation.ValidateStruct(&set); err != nil {
		logger.Warn("invalid threshold catalogue in store, using defaults", zap.Error(err))
		return s.defaults
	}

	return set
}
