package shipments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	cachemocks "github.com/BearBump/ShipBox/internal/cache/mocks"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/services/shipments/mocks"
	"github.com/BearBump/ShipBox/internal/sla"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestGetShipmentsByIDs_CacheHitSkipsDB(t *testing.T) {
	repo := &mocks.MockRepository{}
	c := &cachemocks.MockBytesCache{}
	svc := New(repo, c, nil, "", time.Minute)

	cached, _ := json.Marshal(&models.Shipment{ID: 9, Status: models.ShipmentStatusInTransit})
	c.On("Get", mock.Anything, "shipment:9:current").Return(cached, true, nil).Once()

	got, err := svc.GetShipmentsByIDs(context.Background(), []uint64{9})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, models.ShipmentStatusInTransit, got[0].Status)
	repo.AssertNotCalled(t, "GetShipmentsByIDs", mock.Anything, mock.Anything)
}

func TestGetShipmentsByIDs_MissLoadsAndBackfills(t *testing.T) {
	repo := &mocks.MockRepository{}
	c := &cachemocks.MockBytesCache{}
	svc := New(repo, c, nil, "", time.Minute)

	c.On("Get", mock.Anything, "shipment:9:current").Return([]byte(nil), false, nil).Once()
	repo.On("GetShipmentsByIDs", mock.Anything, []uint64{9}).
		Return([]*models.Shipment{{ID: 9, Status: models.ShipmentStatusBooked}}, nil).Once()
	c.On("Set", mock.Anything, "shipment:9:current", mock.Anything, time.Minute).Return(nil).Once()

	got, err := svc.GetShipmentsByIDs(context.Background(), []uint64{9})
	require.NoError(t, err)
	require.Len(t, got, 1)
	c.AssertExpectations(t)
	repo.AssertExpectations(t)
}

func TestGetShipmentsByIDs_OrderPreserved(t *testing.T) {
	repo := &mocks.MockRepository{}
	svc := New(repo, nil, nil, "", 0)

	repo.On("GetShipmentsByIDs", mock.Anything, []uint64{3, 1, 2}).
		Return([]*models.Shipment{{ID: 1}, {ID: 2}, {ID: 3}}, nil).Once()

	got, err := svc.GetShipmentsByIDs(context.Background(), []uint64{3, 1, 2})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, uint64(3), got[0].ID)
	require.Equal(t, uint64(1), got[1].ID)
	require.Equal(t, uint64(2), got[2].ID)
}

func TestEvaluateSLA(t *testing.T) {
	repo := &mocks.MockRepository{}
	svc := New(repo, nil, nil, "", 0)

	now := time.Now().UTC()
	deadline := now.Add(3 * time.Hour)
	repo.On("GetShipmentsByIDs", mock.Anything, []uint64{4}).
		Return([]*models.Shipment{{ID: 4, Status: models.ShipmentStatusInTransit, ExpectedDeliveryAt: &deadline}}, nil).Once()

	ev, err := svc.EvaluateSLA(context.Background(), 4, now)
	require.NoError(t, err)
	require.Equal(t, sla.StatusAtRisk, ev.Status)
	require.Equal(t, sla.SeverityHigh, ev.Severity)
}

func TestEvaluateSLA_NotFound(t *testing.T) {
	repo := &mocks.MockRepository{}
	svc := New(repo, nil, nil, "", 0)

	repo.On("GetShipmentsByIDs", mock.Anything, []uint64{4}).
		Return([]*models.Shipment{}, nil).Once()

	_, err := svc.EvaluateSLA(context.Background(), 4, time.Now())
	require.ErrorIs(t, err, ErrShipmentNotFound)
}
