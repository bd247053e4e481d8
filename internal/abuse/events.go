package abuse

import (
	"context"
	"time"

	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/eventbus"
	"github.com/google/uuid"
)

// SubjectFlagCreated is the bus subject for new abuse flags
const SubjectFlagCreated = "abuse.flag.created"

// FlagCreatedData is the payload published when a flag is created
type FlagCreatedData struct {
	FlagID        uuid.UUID  `json:"flag_id"`
	UserID        uuid.UUID  `json:"user_id"`
	UserRole      UserRole   `json:"user_role"`
	AbuseType     AbuseType  `json:"abuse_type"`
	Severity      Severity   `json:"severity"`
	Description   string     `json:"description"`
	RelatedRideID *uuid.UUID `json:"related_ride_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// EventPublisher publishes abuse flag events on the NATS bus
type EventPublisher struct {
	bus *eventbus.Bus
}

var _ FlagPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher over the given bus
func NewEventPublisher(bus *eventbus.Bus) *EventPublisher {
	return &EventPublisher{bus: bus}
}

// PublishFlagCreated emits a flag-created event for the admin review surface
func (p *EventPublisher) PublishFlagCreated(ctx context.Context, flag *AbuseFlag) error {
	return p.bus.Publish(ctx, SubjectFlagCreated, "abuse.flag.created", FlagCreatedData{
		FlagID:        flag.ID,
		UserID:        flag.UserID,
		UserRole:      flag.UserRole,
		AbuseType:     flag.AbuseType,
		Severity:      flag.Severity,
		Description:   flag.Description,
		RelatedRideID: flag.RelatedRideID,
		CreatedAt:     flag.CreatedAt,
	})
}
