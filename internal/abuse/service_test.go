package abuse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) CountRiderCancellations(ctx context.Context, riderID uuid.UUID, since time.Time) (int, error) {
	args := m.Called(ctx, riderID, since)
	return args.Int(0), args.Error(1)
}

func (m *mockRepository) CountRiderLateCancellations(ctx context.Context, riderID uuid.UUID, since time.Time, lateAfter time.Duration) (int, error) {
	args := m.Called(ctx, riderID, since, lateAfter)
	return args.Int(0), args.Error(1)
}

func (m *mockRepository) CountReservationCancellations(ctx context.Context, riderID uuid.UUID, since time.Time) (int, error) {
	args := m.Called(ctx, riderID, since)
	return args.Int(0), args.Error(1)
}

func (m *mockRepository) CountDriverCancellations(ctx context.Context, driverID uuid.UUID, since time.Time) (int, error) {
	args := m.Called(ctx, driverID, since)
	return args.Int(0), args.Error(1)
}

func (m *mockRepository) CountRiderNoShows(ctx context.Context, riderID uuid.UUID, since time.Time) (int, error) {
	args := m.Called(ctx, riderID, since)
	return args.Int(0), args.Error(1)
}

func (m *mockRepository) GetMovementSamples(ctx context.Context, driverID, rideID uuid.UUID) ([]DriverMovementSample, error) {
	args := m.Called(ctx, driverID, rideID)
	samples, _ := args.Get(0).([]DriverMovementSample)
	return samples, args.Error(1)
}

func (m *mockRepository) SumMovementDistance(ctx context.Context, rideID uuid.UUID) (float64, error) {
	args := m.Called(ctx, rideID)
	return args.Get(0).(float64), args.Error(1)
}

func (m *mockRepository) CreateFlag(ctx context.Context, flag *AbuseFlag) error {
	args := m.Called(ctx, flag)
	return args.Error(0)
}

func (m *mockRepository) GetFlagByID(ctx context.Context, flagID uuid.UUID) (*AbuseFlag, error) {
	args := m.Called(ctx, flagID)
	flag, _ := args.Get(0).(*AbuseFlag)
	return flag, args.Error(1)
}

func (m *mockRepository) ListPendingFlags(ctx context.Context, limit, offset int) ([]*AbuseFlag, int64, error) {
	args := m.Called(ctx, limit, offset)
	flags, _ := args.Get(0).([]*AbuseFlag)
	return flags, int64(args.Int(1)), args.Error(2)
}

func (m *mockRepository) ResolveFlag(ctx context.Context, flagID, reviewerID uuid.UUID, status FlagStatus, notes *string, penaltyApplied *float64) error {
	args := m.Called(ctx, flagID, reviewerID, status, notes, penaltyApplied)
	return args.Error(0)
}

func (m *mockRepository) InsertAuditLog(ctx context.Context, entry *FinancialAuditLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func newTestService(repo *mockRepository) *Service {
	return NewService(repo, DefaultThresholds)
}

func sample(distanceKm float64, durationSec int) DriverMovementSample {
	return DriverMovementSample{
		DriverID:    uuid.New(),
		RideID:      uuid.New(),
		DistanceKm:  distanceKm,
		DurationSec: durationSec,
		RecordedAt:  time.Now(),
	}
}

// ========================================
// RIDER ABUSE
// ========================================

func TestCheckRiderAbuse_BelowThresholdNeverFlags(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	riderID := uuid.New()

	// Exactly 2 cancellations in 24h must never trigger
	repo.On("CountRiderCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(2, nil)
	repo.On("CountRiderLateCancellations", ctx, riderID, mock.AnythingOfType("time.Time"), 2*time.Minute).Return(0, nil)

	results, err := service.CheckRiderAbuse(ctx, riderID, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	repo.AssertNotCalled(t, "CreateFlag", mock.Anything, mock.Anything)
}

func TestCheckRiderAbuse_AtThresholdAlwaysFlags(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	riderID := uuid.New()
	rideID := uuid.New()

	// Exactly 3 cancellations in 24h must always trigger
	repo.On("CountRiderCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(3, nil)
	repo.On("CountRiderLateCancellations", ctx, riderID, mock.AnythingOfType("time.Time"), 2*time.Minute).Return(0, nil)
	repo.On("CreateFlag", ctx, mock.MatchedBy(func(flag *AbuseFlag) bool {
		return flag.AbuseType == AbuseExcessiveCancellations &&
			flag.UserID == riderID &&
			flag.UserRole == RoleRider &&
			flag.Severity == SeverityMedium &&
			flag.Status == FlagStatusPending &&
			flag.RelatedRideID != nil && *flag.RelatedRideID == rideID &&
			flag.Description == "3 cancellations in the last 24 hours"
	})).Return(nil).Once()

	results, err := service.CheckRiderAbuse(ctx, riderID, &rideID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Flagged)
	assert.Equal(t, AbuseExcessiveCancellations, results[0].AbuseType)
	assert.Equal(t, SeverityMedium, results[0].Severity)
	assert.Equal(t, 1.5, results[0].PenaltyMultiplier)
	assert.True(t, results[0].Recorded)
	repo.AssertExpectations(t)
}

func TestCheckRiderAbuse_HighSeverityAtFive(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	riderID := uuid.New()

	repo.On("CountRiderCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(5, nil)
	repo.On("CountRiderLateCancellations", ctx, riderID, mock.AnythingOfType("time.Time"), 2*time.Minute).Return(0, nil)
	repo.On("CreateFlag", ctx, mock.MatchedBy(func(flag *AbuseFlag) bool {
		return flag.Severity == SeverityHigh
	})).Return(nil).Once()

	results, err := service.CheckRiderAbuse(ctx, riderID, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, SeverityHigh, results[0].Severity)
	repo.AssertExpectations(t)
}

func TestCheckRiderAbuse_ReturnsAllMatches(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	riderID := uuid.New()

	// Both patterns hold; both must be reported, in evaluation order
	repo.On("CountRiderCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(3, nil)
	repo.On("CountRiderLateCancellations", ctx, riderID, mock.AnythingOfType("time.Time"), 2*time.Minute).Return(2, nil)
	repo.On("CreateFlag", ctx, mock.AnythingOfType("*abuse.AbuseFlag")).Return(nil).Twice()

	results, err := service.CheckRiderAbuse(ctx, riderID, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, AbuseExcessiveCancellations, results[0].AbuseType)
	assert.Equal(t, AbuseLateCancellations, results[1].AbuseType)
	assert.Equal(t, 1.25, results[1].PenaltyMultiplier)
	repo.AssertExpectations(t)
}

func TestCheckRiderAbuse_Determinism(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	riderID := uuid.New()

	repo.On("CountRiderCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(4, nil).Twice()
	repo.On("CountRiderLateCancellations", ctx, riderID, mock.AnythingOfType("time.Time"), 2*time.Minute).Return(1, nil).Twice()
	repo.On("CreateFlag", ctx, mock.AnythingOfType("*abuse.AbuseFlag")).Return(nil).Twice()

	first, err := service.CheckRiderAbuse(ctx, riderID, nil)
	require.NoError(t, err)
	second, err := service.CheckRiderAbuse(ctx, riderID, nil)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].AbuseType, second[0].AbuseType)
	assert.Equal(t, first[0].Severity, second[0].Severity)
	assert.Equal(t, first[0].Description, second[0].Description)
	assert.Equal(t, first[0].PenaltyMultiplier, second[0].PenaltyMultiplier)
	repo.AssertExpectations(t)
}

// ========================================
// DRIVER ABUSE
// ========================================

func TestCheckDriverAbuse_FlagsWithoutMultiplier(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	driverID := uuid.New()

	repo.On("CountDriverCancellations", ctx, driverID, mock.AnythingOfType("time.Time")).Return(3, nil)
	repo.On("CreateFlag", ctx, mock.MatchedBy(func(flag *AbuseFlag) bool {
		return flag.AbuseType == AbuseUnjustifiedCancellations && flag.UserRole == RoleDriver
	})).Return(nil).Once()

	result, err := service.CheckDriverAbuse(ctx, driverID, nil)
	require.NoError(t, err)
	assert.True(t, result.Flagged)
	assert.Equal(t, SeverityMedium, result.Severity)
	assert.Zero(t, result.PenaltyMultiplier)
	repo.AssertExpectations(t)
}

func TestCheckDriverAbuse_CleanDriver(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	driverID := uuid.New()

	repo.On("CountDriverCancellations", ctx, driverID, mock.AnythingOfType("time.Time")).Return(2, nil)

	result, err := service.CheckDriverAbuse(ctx, driverID, nil)
	require.NoError(t, err)
	assert.False(t, result.Flagged)
	repo.AssertNotCalled(t, "CreateFlag", mock.Anything, mock.Anything)
}

func TestCheckRepeatedNoShows(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	riderID := uuid.New()

	repo.On("CountRiderNoShows", ctx, riderID, mock.AnythingOfType("time.Time")).Return(3, nil)
	repo.On("CreateFlag", ctx, mock.MatchedBy(func(flag *AbuseFlag) bool {
		return flag.AbuseType == AbuseRepeatedNoShows && flag.Severity == SeverityMedium
	})).Return(nil).Once()

	result, err := service.CheckRepeatedNoShows(ctx, riderID, nil)
	require.NoError(t, err)
	assert.True(t, result.Flagged)
	repo.AssertExpectations(t)
}

// ========================================
// MOVEMENT AUTHENTICITY
// ========================================

func TestCheckFakeMovement_MinimumSampleFloor(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	driverID := uuid.New()
	rideID := uuid.New()

	// Four maximally suspicious samples must still not flag
	samples := []DriverMovementSample{
		sample(0.0, 300), sample(0.0, 300), sample(0.0, 300), sample(0.0, 300),
	}
	repo.On("GetMovementSamples", ctx, driverID, rideID).Return(samples, nil)

	result, err := service.CheckFakeMovement(ctx, driverID, rideID)
	require.NoError(t, err)
	assert.False(t, result.Flagged)
	repo.AssertNotCalled(t, "CreateFlag", mock.Anything, mock.Anything)
}

func TestCheckFakeMovement_RatioBoundary(t *testing.T) {
	ctx := context.Background()
	driverID := uuid.New()
	rideID := uuid.New()

	tests := []struct {
		name     string
		samples  []DriverMovementSample
		wantFlag bool
	}{
		{
			// 2 of 5 suspicious (40%) stays under the ratio
			name: "two of five suspicious does not flag",
			samples: []DriverMovementSample{
				sample(1.2, 90),
				sample(0.01, 120), sample(0.02, 90),
				sample(0.8, 100), sample(0.9, 110),
			},
			wantFlag: false,
		},
		{
			// 3 of 5 suspicious (60%) crosses it
			name: "three of five suspicious flags",
			samples: []DriverMovementSample{
				sample(1.2, 90),
				sample(0.01, 120), sample(0.02, 90), sample(0.0, 180),
				sample(0.9, 110),
			},
			wantFlag: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mockRepository)
			service := newTestService(repo)
			repo.On("GetMovementSamples", ctx, driverID, rideID).Return(tt.samples, nil)
			if tt.wantFlag {
				repo.On("CreateFlag", ctx, mock.MatchedBy(func(flag *AbuseFlag) bool {
					return flag.AbuseType == AbuseFakeMovement && flag.Severity == SeverityHigh
				})).Return(nil).Once()
			}

			result, err := service.CheckFakeMovement(ctx, driverID, rideID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFlag, result.Flagged)
			repo.AssertExpectations(t)
		})
	}
}

func TestCheckFakeMovement_FirstSampleExcluded(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	driverID := uuid.New()
	rideID := uuid.New()

	// The first sample is a baseline and never counts as suspicious:
	// suspicious first sample plus 2 of 4 later ones stays at 2/5.
	samples := []DriverMovementSample{
		sample(0.0, 300),
		sample(0.01, 120), sample(0.02, 90),
		sample(0.8, 100), sample(0.9, 110),
	}
	repo.On("GetMovementSamples", ctx, driverID, rideID).Return(samples, nil)

	result, err := service.CheckFakeMovement(ctx, driverID, rideID)
	require.NoError(t, err)
	assert.False(t, result.Flagged)
}

func TestCheckDriverIdle(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	driverID := uuid.New()
	rideID := uuid.New()

	// 3 near-stationary samples after the baseline, 11 minutes total
	samples := []DriverMovementSample{
		sample(1.0, 60),
		sample(0.01, 240), sample(0.0, 240), sample(0.02, 180),
		sample(0.7, 90),
	}
	repo.On("GetMovementSamples", ctx, driverID, rideID).Return(samples, nil)
	repo.On("CreateFlag", ctx, mock.MatchedBy(func(flag *AbuseFlag) bool {
		return flag.AbuseType == AbuseExcessiveIdle && flag.Severity == SeverityMedium
	})).Return(nil).Once()

	result, err := service.CheckDriverIdle(ctx, driverID, rideID)
	require.NoError(t, err)
	assert.True(t, result.Flagged)
	repo.AssertExpectations(t)
}

// ========================================
// FEE COMPOSER
// ========================================

func TestCalculateCancellationFee_CleanRiderBaseline(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	riderID := uuid.New()
	rideID := uuid.New()

	repo.On("CountRiderCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(0, nil)
	repo.On("CountRiderLateCancellations", ctx, riderID, mock.AnythingOfType("time.Time"), 2*time.Minute).Return(0, nil)

	result := service.CalculateCancellationFee(ctx, 10.00, riderID, rideID, false, nil)

	assert.Equal(t, 10.00, result.Fee)
	assert.False(t, result.PenaltyApplied)
	assert.Nil(t, result.Reason)
	assert.Empty(t, result.Checks)
	repo.AssertNotCalled(t, "CountReservationCancellations", mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "SumMovementDistance", mock.Anything, mock.Anything)
}

func TestCalculateCancellationFee_CompoundsMultiplicatively(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	riderID := uuid.New()
	rideID := uuid.New()
	enRoute := time.Now().Add(-10 * time.Minute)

	// 3 cancellations in 24h (1.5x), 2 reservation cancellations (2.0x),
	// 0.6km driven before cancel (2.5x): 10 * 1.5 * 2.0 * 2.5 = 75.00
	repo.On("CountRiderCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(3, nil)
	repo.On("CountRiderLateCancellations", ctx, riderID, mock.AnythingOfType("time.Time"), 2*time.Minute).Return(0, nil)
	repo.On("CountReservationCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(2, nil)
	repo.On("SumMovementDistance", ctx, rideID).Return(0.6, nil)
	repo.On("CreateFlag", ctx, mock.AnythingOfType("*abuse.AbuseFlag")).Return(nil).Times(3)

	result := service.CalculateCancellationFee(ctx, 10.00, riderID, rideID, true, &enRoute)

	assert.Equal(t, 75.00, result.Fee)
	assert.True(t, result.PenaltyApplied)
	require.NotNil(t, result.Reason)
	// Last triggered check wins the reported reason
	assert.Equal(t, "Cancelled after driver started moving (0.60 km)", *result.Reason)
	assert.Len(t, result.Checks, 3)
	repo.AssertExpectations(t)
}

func TestCalculateCancellationFee_Monotonicity(t *testing.T) {
	ctx := context.Background()
	riderID := uuid.New()
	rideID := uuid.New()

	// Adding a triggered check never decreases the fee
	withoutReservation := func() float64 {
		repo := new(mockRepository)
		service := newTestService(repo)
		repo.On("CountRiderCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(3, nil)
		repo.On("CountRiderLateCancellations", ctx, riderID, mock.AnythingOfType("time.Time"), 2*time.Minute).Return(0, nil)
		repo.On("CreateFlag", ctx, mock.AnythingOfType("*abuse.AbuseFlag")).Return(nil)
		return service.CalculateCancellationFee(ctx, 10.00, riderID, rideID, false, nil).Fee
	}()

	withReservation := func() float64 {
		repo := new(mockRepository)
		service := newTestService(repo)
		repo.On("CountRiderCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(3, nil)
		repo.On("CountRiderLateCancellations", ctx, riderID, mock.AnythingOfType("time.Time"), 2*time.Minute).Return(0, nil)
		repo.On("CountReservationCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(2, nil)
		repo.On("CreateFlag", ctx, mock.AnythingOfType("*abuse.AbuseFlag")).Return(nil)
		return service.CalculateCancellationFee(ctx, 10.00, riderID, rideID, true, nil).Fee
	}()

	assert.GreaterOrEqual(t, withReservation, withoutReservation)
	assert.Equal(t, 15.00, withoutReservation)
	assert.Equal(t, 30.00, withReservation)
}

func TestCalculateCancellationFee_RoundsToCents(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	riderID := uuid.New()
	rideID := uuid.New()

	repo.On("CountRiderCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(0, nil)
	repo.On("CountRiderLateCancellations", ctx, riderID, mock.AnythingOfType("time.Time"), 2*time.Minute).Return(2, nil)
	repo.On("CreateFlag", ctx, mock.AnythingOfType("*abuse.AbuseFlag")).Return(nil)

	// 9.99 * 1.25 = 12.4875 -> 12.49
	result := service.CalculateCancellationFee(ctx, 9.99, riderID, rideID, false, nil)
	assert.Equal(t, 12.49, result.Fee)
}

func TestCalculateCancellationFee_DegradesOnEvaluatorFailure(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	riderID := uuid.New()
	rideID := uuid.New()

	// A failing history read must not abort the fee computation
	repo.On("CountRiderCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(0, errors.New("connection reset"))
	repo.On("CountReservationCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(2, nil)
	repo.On("CreateFlag", ctx, mock.AnythingOfType("*abuse.AbuseFlag")).Return(nil)

	result := service.CalculateCancellationFee(ctx, 10.00, riderID, rideID, true, nil)
	assert.Equal(t, 20.00, result.Fee)
	assert.True(t, result.PenaltyApplied)
}

func TestCalculateCancellationFee_FlagWriteFailureDoesNotBlockFee(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	riderID := uuid.New()
	rideID := uuid.New()

	repo.On("CountRiderCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(3, nil)
	repo.On("CountRiderLateCancellations", ctx, riderID, mock.AnythingOfType("time.Time"), 2*time.Minute).Return(0, nil)
	repo.On("CreateFlag", ctx, mock.AnythingOfType("*abuse.AbuseFlag")).Return(errors.New("disk full"))

	result := service.CalculateCancellationFee(ctx, 10.00, riderID, rideID, false, nil)

	// Detection stands; only persistence is reported as failed
	assert.Equal(t, 15.00, result.Fee)
	assert.True(t, result.PenaltyApplied)
	require.Len(t, result.Checks, 1)
	assert.False(t, result.Checks[0].Recorded)
}

// ========================================
// CANCEL AFTER DRIVER MOVING
// ========================================

func TestCheckCancelAfterDriverMoving_NoEnRouteTimestamp(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)

	result, err := service.CheckCancelAfterDriverMoving(ctx, uuid.New(), uuid.New(), nil)
	require.NoError(t, err)
	assert.False(t, result.Flagged)
	repo.AssertNotCalled(t, "SumMovementDistance", mock.Anything, mock.Anything)
}

func TestCheckCancelAfterDriverMoving_DistanceBoundary(t *testing.T) {
	ctx := context.Background()
	enRoute := time.Now().Add(-5 * time.Minute)

	tests := []struct {
		name     string
		distance float64
		wantFlag bool
	}{
		{"below threshold", 0.4, false},
		// Exactly the threshold distance must not trigger
		{"at threshold", 0.5, false},
		{"above threshold", 0.6, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mockRepository)
			service := newTestService(repo)
			rideID := uuid.New()

			repo.On("SumMovementDistance", ctx, rideID).Return(tt.distance, nil)
			if tt.wantFlag {
				repo.On("CreateFlag", ctx, mock.MatchedBy(func(flag *AbuseFlag) bool {
					return flag.AbuseType == AbuseCancelAfterDriverMoving
				})).Return(nil).Once()
			}

			result, err := service.CheckCancelAfterDriverMoving(ctx, uuid.New(), rideID, &enRoute)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFlag, result.Flagged)
			repo.AssertExpectations(t)
		})
	}
}

// ========================================
// FLAG REVIEW
// ========================================

func TestServiceResolveFlag_RejectsSecondResolution(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	flagID := uuid.New()
	reviewerID := uuid.New()
	resolvedAt := time.Now().Add(-time.Hour)

	repo.On("ResolveFlag", ctx, flagID, reviewerID, FlagStatusDismissed, (*string)(nil), (*float64)(nil)).Return(ErrFlagNotPending).Once()
	repo.On("GetFlagByID", ctx, flagID).Return(&AbuseFlag{
		ID:         flagID,
		Status:     FlagStatusResolved,
		ResolvedAt: &resolvedAt,
	}, nil).Once()

	err := service.ResolveFlag(ctx, flagID, reviewerID, FlagStatusDismissed, nil, nil)
	require.Error(t, err)
	appErr, ok := err.(*common.AppError)
	require.True(t, ok)
	assert.Equal(t, 409, appErr.Code)
	repo.AssertExpectations(t)
}

func TestServiceResolveFlag_InvalidStatusRejected(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)

	err := service.ResolveFlag(ctx, uuid.New(), uuid.New(), FlagStatusPending, nil, nil)
	require.Error(t, err)
	appErr, ok := err.(*common.AppError)
	require.True(t, ok)
	assert.Equal(t, 400, appErr.Code)
	repo.AssertNotCalled(t, "ResolveFlag", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestServiceResolveFlag_Success(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	flagID := uuid.New()
	reviewerID := uuid.New()
	notes := "confirmed pattern, penalty applied"
	penalty := 15.0

	repo.On("ResolveFlag", ctx, flagID, reviewerID, FlagStatusResolved, &notes, &penalty).Return(nil).Once()

	err := service.ResolveFlag(ctx, flagID, reviewerID, FlagStatusResolved, &notes, &penalty)
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

// ========================================
// COMPENSATION DENIAL
// ========================================

func TestDenyDriverCompensation(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)
	driverID := uuid.New()
	rideID := uuid.New()

	repo.On("InsertAuditLog", ctx, mock.MatchedBy(func(entry *FinancialAuditLog) bool {
		return entry.UserID == driverID &&
			entry.RideID != nil && *entry.RideID == rideID &&
			entry.ActorRole == "SYSTEM" &&
			entry.EventType == "ADJUSTMENT" &&
			entry.Amount == 0 &&
			entry.Description == "Driver compensation denied: fake movement confirmed"
	})).Return(nil).Once()

	err := service.DenyDriverCompensation(ctx, driverID, rideID, "fake movement confirmed")
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestDenyDriverCompensation_SurfacesWriteFailure(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	service := newTestService(repo)

	repo.On("InsertAuditLog", ctx, mock.AnythingOfType("*abuse.FinancialAuditLog")).Return(errors.New("insert failed"))

	err := service.DenyDriverCompensation(ctx, uuid.New(), uuid.New(), "no-show")
	require.Error(t, err)
}

// ========================================
// EVENT PUBLISHING
// ========================================

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishFlagCreated(ctx context.Context, flag *AbuseFlag) error {
	args := m.Called(ctx, flag)
	return args.Error(0)
}

func TestRecordFlag_PublishFailureDoesNotUnrecord(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepository)
	publisher := new(mockPublisher)
	service := newTestService(repo)
	service.SetPublisher(publisher)
	riderID := uuid.New()

	repo.On("CountRiderCancellations", ctx, riderID, mock.AnythingOfType("time.Time")).Return(3, nil)
	repo.On("CountRiderLateCancellations", ctx, riderID, mock.AnythingOfType("time.Time"), 2*time.Minute).Return(0, nil)
	repo.On("CreateFlag", ctx, mock.AnythingOfType("*abuse.AbuseFlag")).Return(nil).Once()
	publisher.On("PublishFlagCreated", ctx, mock.AnythingOfType("*abuse.AbuseFlag")).Return(errors.New("nats down")).Once()

	results, err := service.CheckRiderAbuse(ctx, riderID, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Recorded)
	publisher.AssertExpectations(t)
}
