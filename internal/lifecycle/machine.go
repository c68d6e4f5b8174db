package lifecycle

import (
	"time"

	"github.com/BearBump/ShipBox/internal/models"
	"github.com/pkg/errors"
)

var (
	ErrUnknownStatus     = errors.New("unknown shipment status")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrTerminalState     = errors.New("shipment is in a terminal state")
)

// Упорядоченный основной путь. CANCELLED и RETURNED — боковые ветки.
var mainPath = []string{
	models.ShipmentStatusBooked,
	models.ShipmentStatusPickedUp,
	models.ShipmentStatusAtOriginHub,
	models.ShipmentStatusInTransit,
	models.ShipmentStatusAtDestinationHub,
	models.ShipmentStatusOutForDelivery,
	models.ShipmentStatusDelivered,
}

var pathIndex = func() map[string]int {
	m := make(map[string]int, len(mainPath))
	for i, s := range mainPath {
		m[s] = i
	}
	return m
}()

func IsKnown(status string) bool {
	if _, ok := pathIndex[status]; ok {
		return true
	}
	return status == models.ShipmentStatusCancelled || status == models.ShipmentStatusReturned
}

func IsTerminal(status string) bool {
	switch status {
	case models.ShipmentStatusDelivered, models.ShipmentStatusCancelled, models.ShipmentStatusReturned:
		return true
	}
	return false
}

// CanTransition разрешает переход только к непосредственному преемнику
// на основном пути, либо отмену из любого нетерминального статуса, либо
// возврат из фазы доставки.
func CanTransition(from, to string) bool {
	if !IsKnown(from) || !IsKnown(to) {
		return false
	}
	if IsTerminal(from) {
		return false
	}
	if to == models.ShipmentStatusCancelled {
		return true
	}
	if to == models.ShipmentStatusReturned {
		return from == models.ShipmentStatusOutForDelivery
	}
	fi, fok := pathIndex[from]
	ti, tok := pathIndex[to]
	return fok && tok && ti == fi+1
}

// Apply валидирует переход и мутирует отправление: статус плюс веховые
// таймстемпы. Уже выставленная веха не перетирается (no-op, не ошибка).
func Apply(sh *models.Shipment, to string, occurredAt time.Time) error {
	if !IsKnown(to) {
		return errors.Wrapf(ErrUnknownStatus, "status %q", to)
	}
	if IsTerminal(sh.Status) {
		return errors.Wrapf(ErrTerminalState, "shipment %d is %s", sh.ID, sh.Status)
	}
	if !CanTransition(sh.Status, to) {
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", sh.Status, to)
	}
	mutate(sh, to, occurredAt)
	return nil
}

// Force — админский override: смежность не проверяется, но из терминального
// статуса выхода нет и вехи так же выставляются ровно один раз.
func Force(sh *models.Shipment, to string, occurredAt time.Time) error {
	if !IsKnown(to) {
		return errors.Wrapf(ErrUnknownStatus, "status %q", to)
	}
	if IsTerminal(sh.Status) {
		return errors.Wrapf(ErrTerminalState, "shipment %d is %s", sh.ID, sh.Status)
	}
	mutate(sh, to, occurredAt)
	return nil
}

func mutate(sh *models.Shipment, to string, occurredAt time.Time) {
	sh.Status = to
	t := occurredAt.UTC()
	switch to {
	case models.ShipmentStatusPickedUp:
		if sh.PickedUpAt == nil {
			sh.PickedUpAt = &t
		}
	case models.ShipmentStatusOutForDelivery:
		if sh.OutForDeliveryAt == nil {
			sh.OutForDeliveryAt = &t
		}
	case models.ShipmentStatusDelivered:
		if sh.DeliveredAt == nil {
			sh.DeliveredAt = &t
		}
	}
}

// StatusForEvent возвращает статус, который влечёт событие данного типа.
// Пустая строка — событие не меняет статус (note, pod_submitted).
func StatusForEvent(eventType string) (string, bool) {
	switch eventType {
	case models.EventTypePickup:
		return models.ShipmentStatusPickedUp, true
	case models.EventTypeOriginHubScan:
		return models.ShipmentStatusAtOriginHub, true
	case models.EventTypeLinehaulDepart:
		return models.ShipmentStatusInTransit, true
	case models.EventTypeDestHubScan:
		return models.ShipmentStatusAtDestinationHub, true
	case models.EventTypeOutForDelivery:
		return models.ShipmentStatusOutForDelivery, true
	case models.EventTypeDelivered, models.EventTypePODVerified:
		return models.ShipmentStatusDelivered, true
	case models.EventTypeCancelled:
		return models.ShipmentStatusCancelled, true
	case models.EventTypeReturned:
		return models.ShipmentStatusReturned, true
	case models.EventTypeNote, models.EventTypePODSubmitted, models.EventTypeAdminOverride:
		return "", true
	}
	return "", false
}
