package lifecycle

import (
	"testing"
	"time"

	"github.com/BearBump/ShipBox/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_MainPathAdjacencyOnly(t *testing.T) {
	for i := 0; i < len(mainPath)-1; i++ {
		require.True(t, CanTransition(mainPath[i], mainPath[i+1]), "%s -> %s", mainPath[i], mainPath[i+1])
	}

	// все несмежные пары основного пути запрещены
	for i := range mainPath {
		for j := range mainPath {
			if j == i+1 {
				continue
			}
			require.False(t, CanTransition(mainPath[i], mainPath[j]), "%s -> %s", mainPath[i], mainPath[j])
		}
	}
}

func TestCanTransition_CancelBranch(t *testing.T) {
	for _, from := range mainPath[:len(mainPath)-1] {
		require.True(t, CanTransition(from, models.ShipmentStatusCancelled), "cancel from %s", from)
	}
	require.False(t, CanTransition(models.ShipmentStatusDelivered, models.ShipmentStatusCancelled))
	require.False(t, CanTransition(models.ShipmentStatusCancelled, models.ShipmentStatusBooked))
	require.False(t, CanTransition(models.ShipmentStatusReturned, models.ShipmentStatusCancelled))
}

func TestCanTransition_ReturnBranch(t *testing.T) {
	require.True(t, CanTransition(models.ShipmentStatusOutForDelivery, models.ShipmentStatusReturned))
	require.False(t, CanTransition(models.ShipmentStatusInTransit, models.ShipmentStatusReturned))
	require.False(t, CanTransition(models.ShipmentStatusBooked, models.ShipmentStatusReturned))
}

func TestCanTransition_UnknownStatus(t *testing.T) {
	require.False(t, CanTransition("SHIPPED", models.ShipmentStatusDelivered))
	require.False(t, CanTransition(models.ShipmentStatusBooked, "SHIPPED"))
}

func TestApply_SetsMilestoneOnce(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	sh := &models.Shipment{ID: 1, Status: models.ShipmentStatusBooked}

	require.NoError(t, Apply(sh, models.ShipmentStatusPickedUp, t0))
	require.Equal(t, models.ShipmentStatusPickedUp, sh.Status)
	require.NotNil(t, sh.PickedUpAt)
	require.Equal(t, t0, *sh.PickedUpAt)

	// веха не перетирается при повторном проходе через тот же статус (force)
	require.NoError(t, Force(sh, models.ShipmentStatusBooked, t0.Add(time.Hour)))
	require.NoError(t, Apply(sh, models.ShipmentStatusPickedUp, t0.Add(2*time.Hour)))
	require.Equal(t, t0, *sh.PickedUpAt)
}

func TestApply_IllegalTransitionLeavesShipmentUntouched(t *testing.T) {
	sh := &models.Shipment{ID: 2, Status: models.ShipmentStatusBooked}
	err := Apply(sh, models.ShipmentStatusDelivered, time.Now().UTC())
	require.ErrorIs(t, errors.Cause(err), ErrIllegalTransition)
	require.Equal(t, models.ShipmentStatusBooked, sh.Status)
	require.Nil(t, sh.DeliveredAt)
}

func TestApply_TerminalFinality(t *testing.T) {
	now := time.Now().UTC()
	sh := &models.Shipment{ID: 3, Status: models.ShipmentStatusOutForDelivery}
	require.NoError(t, Apply(sh, models.ShipmentStatusDelivered, now))
	delivered := *sh.DeliveredAt

	for _, to := range []string{
		models.ShipmentStatusBooked,
		models.ShipmentStatusDelivered,
		models.ShipmentStatusCancelled,
		models.ShipmentStatusReturned,
	} {
		err := Apply(sh, to, now.Add(time.Hour))
		require.ErrorIs(t, errors.Cause(err), ErrTerminalState, "to %s", to)
	}
	require.Equal(t, delivered, *sh.DeliveredAt)
}

func TestForce_BypassesAdjacencyButNotTerminal(t *testing.T) {
	now := time.Now().UTC()
	sh := &models.Shipment{ID: 4, Status: models.ShipmentStatusBooked}

	require.NoError(t, Force(sh, models.ShipmentStatusOutForDelivery, now))
	require.Equal(t, models.ShipmentStatusOutForDelivery, sh.Status)
	require.NotNil(t, sh.OutForDeliveryAt)

	require.NoError(t, Force(sh, models.ShipmentStatusDelivered, now))
	err := Force(sh, models.ShipmentStatusBooked, now)
	require.ErrorIs(t, errors.Cause(err), ErrTerminalState)
	require.Equal(t, models.ShipmentStatusDelivered, sh.Status)
}

func TestForce_UnknownStatus(t *testing.T) {
	sh := &models.Shipment{Status: models.ShipmentStatusBooked}
	err := Force(sh, "LOST", time.Now().UTC())
	require.ErrorIs(t, errors.Cause(err), ErrUnknownStatus)
}

func TestStatusForEvent(t *testing.T) {
	st, ok := StatusForEvent(models.EventTypePickup)
	require.True(t, ok)
	require.Equal(t, models.ShipmentStatusPickedUp, st)

	st, ok = StatusForEvent(models.EventTypeNote)
	require.True(t, ok)
	require.Empty(t, st)

	st, ok = StatusForEvent(models.EventTypePODVerified)
	require.True(t, ok)
	require.Equal(t, models.ShipmentStatusDelivered, st)

	_, ok = StatusForEvent("teleport")
	require.False(t, ok)
}
