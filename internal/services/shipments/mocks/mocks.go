package mocks

import (
	"context"
	"time"

	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/storage/pgshipment"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateShipments(ctx context.Context, items []pgshipment.BookingInput) ([]*models.Shipment, error) {
	args := m.Called(ctx, items)
	if v := args.Get(0); v != nil {
		return v.([]*models.Shipment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) GetShipmentsByIDs(ctx context.Context, ids []uint64) ([]*models.Shipment, error) {
	args := m.Called(ctx, ids)
	if v := args.Get(0); v != nil {
		return v.([]*models.Shipment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	args := m.Called(ctx, trackingNumber)
	if v := args.Get(0); v != nil {
		return v.(*models.Shipment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) ListScanEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.ScanEvent, error) {
	args := m.Called(ctx, shipmentID, limit, offset)
	if v := args.Get(0); v != nil {
		return v.([]*models.ScanEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) ApplyStatusChange(ctx context.Context, ch pgshipment.StatusChange) (uint64, error) {
	args := m.Called(ctx, ch)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockRepository) AppendScanEvent(ctx context.Context, e *models.ScanEvent) (uint64, error) {
	args := m.Called(ctx, e)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockRepository) CreatePOD(ctx context.Context, pod *models.ProofOfDelivery) error {
	args := m.Called(ctx, pod)
	return args.Error(0)
}

func (m *MockRepository) GetPOD(ctx context.Context, podID string) (*models.ProofOfDelivery, error) {
	args := m.Called(ctx, podID)
	if v := args.Get(0); v != nil {
		return v.(*models.ProofOfDelivery), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) MarkPODVerified(ctx context.Context, podID string, at time.Time) (bool, error) {
	args := m.Called(ctx, podID, at)
	return args.Bool(0), args.Error(1)
}

type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	args := m.Called(ctx, topic, key, value)
	return args.Error(0)
}
