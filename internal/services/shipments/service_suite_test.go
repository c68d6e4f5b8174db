package shipments

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/ShipBox/internal/lifecycle"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/services/shipments/mocks"
	"github.com/BearBump/ShipBox/internal/storage/pgshipment"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type ServiceSuite struct {
	suite.Suite
	repo     *mocks.MockRepository
	producer *mocks.MockProducer
	svc      *Service
}

func (s *ServiceSuite) SetupTest() {
	s.repo = &mocks.MockRepository{}
	s.producer = &mocks.MockProducer{}
	s.svc = New(s.repo, nil, s.producer, "shipment.status.changed", 0)
}

func (s *ServiceSuite) shipment(id uint64, status string, version int32) *models.Shipment {
	return &models.Shipment{
		ID:             id,
		TrackingNumber: "SB-0000000042",
		Status:         status,
		Version:        version,
	}
}

func (s *ServiceSuite) TestCreateShipments_Validation() {
	ctx := context.Background()

	_, err := s.svc.CreateShipments(ctx, nil)
	s.Require().Error(err)

	_, err = s.svc.CreateShipments(ctx, []models.ShipmentCreateInput{{
		OriginBranchID: 1, DestinationBranchID: 1, CustomerID: 3,
	}})
	s.Require().Error(err)
	s.Require().Contains(err.Error(), "must differ")

	_, err = s.svc.CreateShipments(ctx, []models.ShipmentCreateInput{{
		OriginBranchID: 1, DestinationBranchID: 2, CustomerID: 3, WeightKg: -1,
	}})
	s.Require().Error(err)
}

func (s *ServiceSuite) TestCreateShipments_GeneratesTrackingNumbers() {
	ctx := context.Background()
	s.repo.
		On("CreateShipments", mock.Anything, mock.MatchedBy(func(in []pgshipment.BookingInput) bool {
			if len(in) != 2 {
				return false
			}
			for _, b := range in {
				if len(b.TrackingNumber) != 13 || b.TrackingNumber[:3] != "SB-" {
					return false
				}
			}
			return in[0].TrackingNumber != in[1].TrackingNumber
		})).
		Return([]*models.Shipment{s.shipment(1, models.ShipmentStatusBooked, 0), s.shipment(2, models.ShipmentStatusBooked, 0)}, nil).
		Once()

	got, err := s.svc.CreateShipments(ctx, []models.ShipmentCreateInput{
		{OriginBranchID: 1, DestinationBranchID: 2, CustomerID: 3, WeightKg: 1.5},
		{OriginBranchID: 2, DestinationBranchID: 1, CustomerID: 4, WeightKg: 0.3},
	})
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestCreateShipments_RegeneratesOnTrackingCollision() {
	ctx := context.Background()

	// Коллизия UNIQUE по трек-номеру не хоронит бронирование: номера
	// перегенерируются и пачка вставляется заново.
	var first, second string
	s.repo.On("CreateShipments", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			first = args.Get(1).([]pgshipment.BookingInput)[0].TrackingNumber
		}).
		Return(nil, pgshipment.ErrDuplicateTrackingNumber).Once()
	s.repo.On("CreateShipments", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			second = args.Get(1).([]pgshipment.BookingInput)[0].TrackingNumber
		}).
		Return([]*models.Shipment{s.shipment(1, models.ShipmentStatusBooked, 0)}, nil).Once()

	got, err := s.svc.CreateShipments(ctx, []models.ShipmentCreateInput{
		{OriginBranchID: 1, DestinationBranchID: 2, CustomerID: 3, WeightKg: 1.5},
	})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Require().NotEqual(first, second)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestCreateShipments_TrackingCollisionExhausted() {
	s.repo.On("CreateShipments", mock.Anything, mock.Anything).
		Return(nil, pgshipment.ErrDuplicateTrackingNumber).Times(3)

	_, err := s.svc.CreateShipments(context.Background(), []models.ShipmentCreateInput{
		{OriginBranchID: 1, DestinationBranchID: 2, CustomerID: 3},
	})
	s.Require().ErrorIs(errors.Cause(err), pgshipment.ErrDuplicateTrackingNumber)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestIngestEvent_NoteDoesNotChangeStatus() {
	ctx := context.Background()
	s.repo.On("GetShipmentsByIDs", mock.Anything, []uint64{5}).
		Return([]*models.Shipment{s.shipment(5, models.ShipmentStatusInTransit, 2)}, nil).Once()
	s.repo.On("AppendScanEvent", mock.Anything, mock.MatchedBy(func(e *models.ScanEvent) bool {
		return e.EventType == models.EventTypeNote && e.Status == models.ShipmentStatusInTransit
	})).Return(uint64(77), nil).Once()

	res, err := s.svc.IngestEvent(ctx, IngestInput{ShipmentID: 5, EventType: models.EventTypeNote, Actor: "ops:1"})
	s.Require().NoError(err)
	s.Require().Equal(uint64(77), res.EventID)
	s.Require().Equal(models.ShipmentStatusInTransit, res.Status)
	s.repo.AssertExpectations(s.T())
	s.producer.AssertNotCalled(s.T(), "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestIngestEvent_UnknownEventType() {
	_, err := s.svc.IngestEvent(context.Background(), IngestInput{ShipmentID: 5, EventType: "teleported"})
	s.Require().ErrorIs(errors.Cause(err), ErrUnknownEventType)
}

func (s *ServiceSuite) TestIngestEvent_PickupTransitionsAndPublishes() {
	ctx := context.Background()
	s.repo.On("GetShipmentsByIDs", mock.Anything, []uint64{5}).
		Return([]*models.Shipment{s.shipment(5, models.ShipmentStatusBooked, 0)}, nil).Once()
	s.repo.On("ApplyStatusChange", mock.Anything, mock.MatchedBy(func(ch pgshipment.StatusChange) bool {
		return ch.ShipmentID == 5 &&
			ch.FromVersion == 0 &&
			ch.ToStatus == models.ShipmentStatusPickedUp &&
			ch.PickedUpAt != nil &&
			ch.Event.EventType == models.EventTypePickup
	})).Return(uint64(101), nil).Once()
	s.producer.On("Publish", mock.Anything, "shipment.status.changed", []byte("5"), mock.Anything).
		Return(nil).Once()

	res, err := s.svc.IngestEvent(ctx, IngestInput{
		ShipmentID: 5,
		EventType:  models.EventTypePickup,
		OccurredAt: time.Now().UTC(),
		Actor:      "courier:9",
	})
	s.Require().NoError(err)
	s.Require().Equal(models.ShipmentStatusPickedUp, res.Status)
	s.Require().Equal(uint64(101), res.EventID)
	s.repo.AssertExpectations(s.T())
	s.producer.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestIngestEvent_IllegalTransition() {
	ctx := context.Background()
	s.repo.On("GetShipmentsByIDs", mock.Anything, []uint64{5}).
		Return([]*models.Shipment{s.shipment(5, models.ShipmentStatusBooked, 0)}, nil).Once()

	_, err := s.svc.IngestEvent(ctx, IngestInput{ShipmentID: 5, EventType: models.EventTypeDelivered})
	s.Require().ErrorIs(errors.Cause(err), lifecycle.ErrIllegalTransition)
	s.repo.AssertNotCalled(s.T(), "ApplyStatusChange", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestIngestEvent_VersionConflictRetries() {
	ctx := context.Background()
	// Первая попытка проигрывает гонку, вторая после перечитывания проходит.
	s.repo.On("GetShipmentsByIDs", mock.Anything, []uint64{5}).
		Return([]*models.Shipment{s.shipment(5, models.ShipmentStatusBooked, 0)}, nil).Once()
	s.repo.On("ApplyStatusChange", mock.Anything, mock.Anything).
		Return(uint64(0), pgshipment.ErrVersionConflict).Once()
	s.repo.On("GetShipmentsByIDs", mock.Anything, []uint64{5}).
		Return([]*models.Shipment{s.shipment(5, models.ShipmentStatusBooked, 1)}, nil).Once()
	s.repo.On("ApplyStatusChange", mock.Anything, mock.MatchedBy(func(ch pgshipment.StatusChange) bool {
		return ch.FromVersion == 1
	})).Return(uint64(102), nil).Once()
	s.producer.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	res, err := s.svc.IngestEvent(ctx, IngestInput{ShipmentID: 5, EventType: models.EventTypePickup})
	s.Require().NoError(err)
	s.Require().Equal(uint64(102), res.EventID)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestIngestEvent_VersionConflictExhausted() {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.repo.On("GetShipmentsByIDs", mock.Anything, []uint64{5}).
			Return([]*models.Shipment{s.shipment(5, models.ShipmentStatusBooked, 0)}, nil).Once()
	}
	s.repo.On("ApplyStatusChange", mock.Anything, mock.Anything).
		Return(uint64(0), pgshipment.ErrVersionConflict).Times(3)

	_, err := s.svc.IngestEvent(ctx, IngestInput{ShipmentID: 5, EventType: models.EventTypePickup})
	s.Require().ErrorIs(errors.Cause(err), pgshipment.ErrVersionConflict)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestForceSetStatus_SkipsAdjacency() {
	ctx := context.Background()
	s.repo.On("GetShipmentsByIDs", mock.Anything, []uint64{5}).
		Return([]*models.Shipment{s.shipment(5, models.ShipmentStatusBooked, 0)}, nil).Once()
	s.repo.On("ApplyStatusChange", mock.Anything, mock.MatchedBy(func(ch pgshipment.StatusChange) bool {
		return ch.ToStatus == models.ShipmentStatusOutForDelivery &&
			ch.Event.EventType == models.EventTypeAdminOverride
	})).Return(uint64(103), nil).Once()
	s.producer.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	res, err := s.svc.ForceSetStatus(ctx, 5, models.ShipmentStatusOutForDelivery, "admin:1", nil)
	s.Require().NoError(err)
	s.Require().Equal(models.ShipmentStatusOutForDelivery, res.Status)
}

func (s *ServiceSuite) TestForceSetStatus_TerminalStays() {
	ctx := context.Background()
	s.repo.On("GetShipmentsByIDs", mock.Anything, []uint64{5}).
		Return([]*models.Shipment{s.shipment(5, models.ShipmentStatusCancelled, 3)}, nil).Once()

	_, err := s.svc.ForceSetStatus(ctx, 5, models.ShipmentStatusInTransit, "admin:1", nil)
	s.Require().ErrorIs(errors.Cause(err), lifecycle.ErrTerminalState)
}

func (s *ServiceSuite) TestBulkSetStatus_PartialSuccess() {
	ctx := context.Background()
	s.repo.On("GetShipmentsByIDs", mock.Anything, []uint64{1}).
		Return([]*models.Shipment{s.shipment(1, models.ShipmentStatusBooked, 0)}, nil).Once()
	s.repo.On("ApplyStatusChange", mock.Anything, mock.Anything).Return(uint64(201), nil).Once()
	s.producer.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	// Второе отправление уже терминальное.
	s.repo.On("GetShipmentsByIDs", mock.Anything, []uint64{2}).
		Return([]*models.Shipment{s.shipment(2, models.ShipmentStatusDelivered, 5)}, nil).Once()

	out, err := s.svc.BulkSetStatus(ctx, []uint64{1, 2}, models.ShipmentStatusPickedUp, "ops:2")
	s.Require().NoError(err)
	s.Require().Len(out, 2)
	s.Require().Empty(out[0].Error)
	s.Require().Equal(uint64(201), out[0].EventID)
	s.Require().NotEmpty(out[1].Error)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
