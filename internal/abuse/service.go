package abuse

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/common"
	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Service implements the abuse detection rules and the cancellation-fee composer.
// All evaluators are read-then-optionally-write and safe to run concurrently;
// concurrent checks for the same actor may see counts stale by at most one event,
// which is accepted for a deterrent (non-security) system.
type Service struct {
	repo      RepositoryInterface
	defaults  ThresholdSet
	store     *ThresholdStore
	publisher FlagPublisher
	now       func() time.Time
}

var _ ServiceInterface = (*Service)(nil)

// NewService creates a new abuse service with the given threshold catalogue
func NewService(repo RepositoryInterface, thresholds ThresholdSet) *Service {
	return &Service{
		repo:     repo,
		defaults: thresholds,
		now:      time.Now,
	}
}

// SetThresholdStore makes the service refresh its catalogue from the store per call
func (s *Service) SetThresholdStore(store *ThresholdStore) {
	s.store = store
}

// SetPublisher enables flag-created event publishing
func (s *Service) SetPublisher(publisher FlagPublisher) {
	s.publisher = publisher
}

func (s *Service) thresholds(ctx context.Context) ThresholdSet {
	if s.store != nil {
		return s.store.Load(ctx)
	}
	return s.defaults
}

// recordFlag persists a flag and publishes the created event. Failures are
// logged and reported via the return value; they never abort detection.
func (s *Service) recordFlag(ctx context.Context, userID uuid.UUID, role UserRole, abuseType AbuseType, severity Severity, description string, rideID *uuid.UUID) bool {
	flag := &AbuseFlag{
		ID:            uuid.New(),
		UserID:        userID,
		UserRole:      role,
		AbuseType:     abuseType,
		Severity:      severity,
		Description:   description,
		RelatedRideID: rideID,
		Status:        FlagStatusPending,
		CreatedAt:     s.now().UTC(),
	}

	if err := s.repo.CreateFlag(ctx, flag); err != nil {
		logger.WithContext(ctx).Error("failed to persist abuse flag",
			zap.String("abuse_type", string(abuseType)),
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return false
	}

	logger.WithContext(ctx).Info("abuse flag created",
		zap.String("abuse_type", string(abuseType)),
		zap.String("user_role", string(role)),
		zap.String("user_id", userID.String()),
		zap.String("severity", string(severity)),
	)

	if s.publisher != nil {
		if err := s.publisher.PublishFlagCreated(ctx, flag); err != nil {
			logger.WithContext(ctx).Warn("failed to publish flag created event",
				zap.String("flag_id", flag.ID.String()),
				zap.Error(err),
			)
		}
	}

	return true
}

// CheckRiderAbuse evaluates the rider's cancellation history and returns every
// matched pattern. Evaluating the same history snapshot twice with the same
// catalogue yields identical results.
func (s *Service) CheckRiderAbuse(ctx context.Context, riderID uuid.UUID, rideID *uuid.UUID) ([]AbuseCheckResult, error) {
	t := s.thresholds(ctx)
	now := s.now()
	results := make([]AbuseCheckResult, 0, 2)

	cancellations, err := s.repo.CountRiderCancellations(ctx, riderID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("count rider cancellations: %w", err)
	}

	if cancellations >= t.ExcessiveCancellations24h {
		severity := SeverityMedium
		if cancellations >= t.ExcessiveCancellationsHigh {
			severity = SeverityHigh
		}
		recorded := s.recordFlag(ctx, riderID, RoleRider, AbuseExcessiveCancellations, severity,
			fmt.Sprintf("%d cancellations in the last 24 hours", cancellations), rideID)
		results = append(results, AbuseCheckResult{
			Flagged:           true,
			AbuseType:         AbuseExcessiveCancellations,
			Severity:          severity,
			Description:       fmt.Sprintf("Excessive cancellations detected: %d in 24h", cancellations),
			PenaltyMultiplier: t.ExcessiveCancellationsFactor,
			Recorded:          recorded,
		})
	}

	lateCancellations, err := s.repo.CountRiderLateCancellations(ctx, riderID, now.Add(-7*24*time.Hour), t.LateCancellationAfter)
	if err != nil {
		return nil, fmt.Errorf("count late cancellations: %w", err)
	}

	if lateCancellations >= t.LateCancellationsWeek {
		recorded := s.recordFlag(ctx, riderID, RoleRider, AbuseLateCancellations, SeverityMedium,
			fmt.Sprintf("%d late cancellations in the last week", lateCancellations), rideID)
		results = append(results, AbuseCheckResult{
			Flagged:           true,
			AbuseType:         AbuseLateCancellations,
			Severity:          SeverityMedium,
			Description:       fmt.Sprintf("Late cancellation pattern detected: %d this week", lateCancellations),
			PenaltyMultiplier: t.LateCancellationsFactor,
			Recorded:          recorded,
		})
	}

	return results, nil
}

// CheckDriverAbuse evaluates the driver's cancellation history over the past week.
// Flag only; driver cancellations never feed the rider's fee.
func (s *Service) CheckDriverAbuse(ctx context.Context, driverID uuid.UUID, rideID *uuid.UUID) (AbuseCheckResult, error) {
	t := s.thresholds(ctx)

	cancellations, err := s.repo.CountDriverCancellations(ctx, driverID, s.now().Add(-7*24*time.Hour))
	if err != nil {
		return AbuseCheckResult{}, fmt.Errorf("count driver cancellations: %w", err)
	}

	if cancellations < t.DriverCancellationsWeek {
		return AbuseCheckResult{}, nil
	}

	severity := SeverityMedium
	if cancellations >= t.DriverCancellationsHigh {
		severity = SeverityHigh
	}
	recorded := s.recordFlag(ctx, driverID, RoleDriver, AbuseUnjustifiedCancellations, severity,
		fmt.Sprintf("%d cancellations in the last week", cancellations), rideID)

	return AbuseCheckResult{
		Flagged:     true,
		AbuseType:   AbuseUnjustifiedCancellations,
		Severity:    severity,
		Description: fmt.Sprintf("High cancellation rate: %d this week", cancellations),
		Recorded:    recorded,
	}, nil
}

// CheckRepeatedNoShows evaluates rider no-show cancellations over the past 30 days.
// Flag only.
func (s *Service) CheckRepeatedNoShows(ctx context.Context, riderID uuid.UUID, rideID *uuid.UUID) (AbuseCheckResult, error) {
	t := s.thresholds(ctx)

	noShows, err := s.repo.CountRiderNoShows(ctx, riderID, s.now().Add(-30*24*time.Hour))
	if err != nil {
		return AbuseCheckResult{}, fmt.Errorf("count rider no-shows: %w", err)
	}

	if noShows < t.NoShowsMonth {
		return AbuseCheckResult{}, nil
	}

	severity := SeverityMedium
	if noShows >= t.NoShowsHigh {
		severity = SeverityHigh
	}
	recorded := s.recordFlag(ctx, riderID, RoleRider, AbuseRepeatedNoShows, severity,
		fmt.Sprintf("%d no-show cancellations in the last 30 days", noShows), rideID)

	return AbuseCheckResult{
		Flagged:     true,
		AbuseType:   AbuseRepeatedNoShows,
		Severity:    severity,
		Description: fmt.Sprintf("Repeated no-shows detected: %d in 30 days", noShows),
		Recorded:    recorded,
	}, nil
}

// CheckFakeMovement inspects the ordered movement samples for one trip.
// Samples after the first reporting more than the suspicious duration while
// covering less than the suspicious distance count against the ratio. Fewer
// than the minimum sample count is a defined unflagged result, not an error.
func (s *Service) CheckFakeMovement(ctx context.Context, driverID, rideID uuid.UUID) (AbuseCheckResult, error) {
	t := s.thresholds(ctx)

	samples, err := s.repo.GetMovementSamples(ctx, driverID, rideID)
	if err != nil {
		return AbuseCheckResult{}, fmt.Errorf("get movement samples: %w", err)
	}

	if len(samples) < t.MinMovementSamples {
		return AbuseCheckResult{}, nil
	}

	suspicious := 0
	for i := 1; i < len(samples); i++ {
		if float64(samples[i].DurationSec) > t.FakeMovementDuration.Seconds() &&
			samples[i].DistanceKm < t.FakeMovementDistanceKm {
			suspicious++
		}
	}

	if float64(suspicious) < float64(len(samples))*t.FakeMovementRatio {
		return AbuseCheckResult{}, nil
	}

	recorded := s.recordFlag(ctx, driverID, RoleDriver, AbuseFakeMovement, SeverityHigh,
		"Suspicious movement pattern detected - possible GPS manipulation", &rideID)

	return AbuseCheckResult{
		Flagged:     true,
		AbuseType:   AbuseFakeMovement,
		Severity:    SeverityHigh,
		Description: "Suspicious movement pattern detected",
		Recorded:    recorded,
	}, nil
}

// CheckDriverIdle flags drivers who sit near-stationary for too long during an
// active ride. Same sample floor as the fake-movement check.
func (s *Service) CheckDriverIdle(ctx context.Context, driverID, rideID uuid.UUID) (AbuseCheckResult, error) {
	t := s.thresholds(ctx)

	samples, err := s.repo.GetMovementSamples(ctx, driverID, rideID)
	if err != nil {
		return AbuseCheckResult{}, fmt.Errorf("get movement samples: %w", err)
	}

	if len(samples) < t.MinMovementSamples {
		return AbuseCheckResult{}, nil
	}

	var idle time.Duration
	for i := 1; i < len(samples); i++ {
		if samples[i].DistanceKm < t.FakeMovementDistanceKm {
			idle += time.Duration(samples[i].DurationSec) * time.Second
		}
	}

	if idle <= t.DriverIdleLimit {
		return AbuseCheckResult{}, nil
	}

	recorded := s.recordFlag(ctx, driverID, RoleDriver, AbuseExcessiveIdle, SeverityMedium,
		fmt.Sprintf("Driver idle for %.0f minutes during active ride", idle.Minutes()), &rideID)

	return AbuseCheckResult{
		Flagged:     true,
		AbuseType:   AbuseExcessiveIdle,
		Severity:    SeverityMedium,
		Description: fmt.Sprintf("Excessive idle time detected: %.0f minutes", idle.Minutes()),
		Recorded:    recorded,
	}, nil
}

// CheckReservationAbuse evaluates cancelled reserved rides over the past week.
func (s *Service) CheckReservationAbuse(ctx context.Context, riderID uuid.UUID, rideID *uuid.UUID) (AbuseCheckResult, error) {
	t := s.thresholds(ctx)

	cancellations, err := s.repo.CountReservationCancellations(ctx, riderID, s.now().Add(-7*24*time.Hour))
	if err != nil {
		return AbuseCheckResult{}, fmt.Errorf("count reservation cancellations: %w", err)
	}

	if cancellations < t.ReservationAbuseWeek {
		return AbuseCheckResult{}, nil
	}

	recorded := s.recordFlag(ctx, riderID, RoleRider, AbuseReservationAbuse, SeverityHigh,
		fmt.Sprintf("%d reservation cancellations this week", cancellations), rideID)

	return AbuseCheckResult{
		Flagged:           true,
		AbuseType:         AbuseReservationAbuse,
		Severity:          SeverityHigh,
		Description:       fmt.Sprintf("Reservation abuse detected: %d cancelled reservations", cancellations),
		PenaltyMultiplier: t.ReservationAbuseFactor,
		Recorded:          recorded,
	}, nil
}

// CheckCancelAfterDriverMoving flags riders who cancel once the driver has
// already covered real distance toward the pickup. A missing en-route
// timestamp means the driver never started moving; the check never fires.
func (s *Service) CheckCancelAfterDriverMoving(ctx context.Context, riderID, rideID uuid.UUID, driverEnRouteAt *time.Time) (AbuseCheckResult, error) {
	if driverEnRouteAt == nil {
		return AbuseCheckResult{}, nil
	}

	t := s.thresholds(ctx)

	totalDistance, err := s.repo.SumMovementDistance(ctx, rideID)
	if err != nil {
		return AbuseCheckResult{}, fmt.Errorf("sum movement distance: %w", err)
	}

	if totalDistance <= t.MovingCancelDistanceKm {
		return AbuseCheckResult{}, nil
	}

	recorded := s.recordFlag(ctx, riderID, RoleRider, AbuseCancelAfterDriverMoving, SeverityHigh,
		fmt.Sprintf("Rider cancelled after driver traveled %.2f km", totalDistance), &rideID)

	return AbuseCheckResult{
		Flagged:           true,
		AbuseType:         AbuseCancelAfterDriverMoving,
		Severity:          SeverityHigh,
		Description:       fmt.Sprintf("Cancelled after driver started moving (%.2f km)", totalDistance),
		PenaltyMultiplier: t.MovingCancelFactor,
		Recorded:          recorded,
	}, nil
}

// CalculateCancellationFee folds the penalty multipliers of every triggered
// check into the base fee. Multipliers compound multiplicatively: stacked
// signals cost geometrically more. A failed evaluator degrades to "not
// flagged" so the surrounding cancellation always completes with a fee.
// The reported reason is the last triggered check's description; the full
// match set rides along in Checks.
func (s *Service) CalculateCancellationFee(ctx context.Context, baseFee float64, riderID, rideID uuid.UUID, isReserved bool, driverEnRouteAt *time.Time) *CancellationFeeResult {
	result := &CancellationFeeResult{Fee: baseFee}

	riderChecks, err := s.CheckRiderAbuse(ctx, riderID, &rideID)
	if err != nil {
		logger.WithContext(ctx).Error("rider abuse check failed, treating as clean", zap.Error(err))
	}
	for i := range riderChecks {
		s.applyCheck(result, riderChecks[i])
	}

	if isReserved {
		check, err := s.CheckReservationAbuse(ctx, riderID, &rideID)
		if err != nil {
			logger.WithContext(ctx).Error("reservation abuse check failed, treating as clean", zap.Error(err))
		} else {
			s.applyCheck(result, check)
		}
	}

	if driverEnRouteAt != nil {
		check, err := s.CheckCancelAfterDriverMoving(ctx, riderID, rideID, driverEnRouteAt)
		if err != nil {
			logger.WithContext(ctx).Error("moving cancellation check failed, treating as clean", zap.Error(err))
		} else {
			s.applyCheck(result, check)
		}
	}

	result.Fee = math.Round(result.Fee*100) / 100
	return result
}

func (s *Service) applyCheck(result *CancellationFeeResult, check AbuseCheckResult) {
	if !check.Flagged {
		return
	}
	result.Checks = append(result.Checks, check)
	if check.PenaltyMultiplier > 0 {
		result.Fee *= check.PenaltyMultiplier
		result.PenaltyApplied = true
		reason := check.Description
		result.Reason = &reason
	}
}

// DenyDriverCompensation writes a zero-amount audit entry explaining why the
// driver's expected payout was withheld. No amount arithmetic happens here.
func (s *Service) DenyDriverCompensation(ctx context.Context, driverID, rideID uuid.UUID, reason string) error {
	entry := &FinancialAuditLog{
		ID:          uuid.New(),
		RideID:      &rideID,
		UserID:      driverID,
		ActorRole:   "SYSTEM",
		EventType:   "ADJUSTMENT",
		Amount:      0,
		Description: fmt.Sprintf("Driver compensation denied: %s", reason),
		CreatedAt:   s.now().UTC(),
	}

	if err := s.repo.InsertAuditLog(ctx, entry); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	logger.WithContext(ctx).Info("driver compensation denied",
		zap.String("driver_id", driverID.String()),
		zap.String("ride_id", rideID.String()),
		zap.String("reason", reason),
	)
	return nil
}

// ========================================
// FLAG REVIEW
// ========================================

// GetPendingFlags returns pending flags, newest first, with the total count
func (s *Service) GetPendingFlags(ctx context.Context, limit, offset int) ([]*AbuseFlag, int64, error) {
	flags, total, err := s.repo.ListPendingFlags(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if flags == nil {
		flags = []*AbuseFlag{}
	}
	return flags, total, nil
}

// GetFlag returns one flag by id
func (s *Service) GetFlag(ctx context.Context, flagID uuid.UUID) (*AbuseFlag, error) {
	flag, err := s.repo.GetFlagByID(ctx, flagID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, common.NewNotFoundError("abuse flag not found", nil)
		}
		return nil, err
	}
	return flag, nil
}

// ResolveFlag performs the single terminal transition of a flag. The
// transition only succeeds from pending; resolving an already-reviewed flag
// is rejected with a conflict so review fields are written exactly once.
func (s *Service) ResolveFlag(ctx context.Context, flagID, reviewerID uuid.UUID, status FlagStatus, notes *string, penaltyApplied *float64) error {
	if status != FlagStatusResolved && status != FlagStatusDismissed {
		return common.NewBadRequestError("status must be resolved or dismissed", nil)
	}

	err := s.repo.ResolveFlag(ctx, flagID, reviewerID, status, notes, penaltyApplied)
	if err == ErrFlagNotPending {
		// Distinguish a missing flag from a completed review.
		if _, lookupErr := s.repo.GetFlagByID(ctx, flagID); lookupErr == pgx.ErrNoRows {
			return common.NewNotFoundError("abuse flag not found", nil)
		}
		return common.NewConflictError("abuse flag has already been reviewed")
	}
	return err
}
