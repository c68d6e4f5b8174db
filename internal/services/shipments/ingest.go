package shipments

import (
	"context"
	"time"

	"github.com/BearBump/ShipBox/internal/broker/messages"
	"github.com/BearBump/ShipBox/internal/lifecycle"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/storage/pgshipment"
	"github.com/pkg/errors"
)

var ErrUnknownEventType = errors.New("unknown event type")

// Сколько раз повторяем мутацию при гонке version-ов. Конфликт значит
// параллельный легитимный апдейт того же отправления; перечитываем и
// прогоняем через state machine заново.
const maxTransitionRetries = 3

type IngestInput struct {
	ShipmentID uint64
	EventType  string
	OccurredAt time.Time
	Location   *string
	Notes      *string
	Actor      string
	ProofJSON  *string
}

type EventResult struct {
	EventID    uint64 `json:"eventId"`
	ShipmentID uint64 `json:"shipmentId"`
	Status     string `json:"status"`
}

// IngestEvent принимает типизированное событие: append скан-события и,
// если событие влечёт смену статуса, строгий переход в той же транзакции.
func (s *Service) IngestEvent(ctx context.Context, in IngestInput) (*EventResult, error) {
	if in.ShipmentID == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "shipmentId is required")
	}
	// POD и админский override идут через свои эндпоинты со своими
	// проверками; через приём сканов их не протащить.
	switch in.EventType {
	case models.EventTypePODSubmitted, models.EventTypePODVerified, models.EventTypeAdminOverride:
		return nil, errors.Wrapf(ErrInvalidInput, "event type %q is not accepted here", in.EventType)
	}
	target, known := lifecycle.StatusForEvent(in.EventType)
	if !known {
		return nil, errors.Wrapf(ErrUnknownEventType, "%q", in.EventType)
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = time.Now().UTC()
	}

	if target == "" {
		// Событие без смены статуса (note и т.п.) — просто след в истории.
		sh, err := s.loadOne(ctx, in.ShipmentID)
		if err != nil {
			return nil, err
		}
		eventID, err := s.repo.AppendScanEvent(ctx, &models.ScanEvent{
			ShipmentID: in.ShipmentID,
			EventType:  in.EventType,
			Status:     sh.Status,
			OccurredAt: in.OccurredAt,
			Location:   in.Location,
			Notes:      in.Notes,
			Actor:      in.Actor,
			ProofJSON:  in.ProofJSON,
		})
		if err != nil {
			return nil, err
		}
		return &EventResult{EventID: eventID, ShipmentID: in.ShipmentID, Status: sh.Status}, nil
	}

	return s.transition(ctx, in.ShipmentID, target, transitionOpts{
		eventType:  in.EventType,
		occurredAt: in.OccurredAt,
		location:   in.Location,
		notes:      in.Notes,
		actor:      in.Actor,
		proofJSON:  in.ProofJSON,
		strict:     true,
	})
}

// ForceSetStatus — админский override: смежность не проверяется,
// терминальная финальность и след в истории сохраняются.
func (s *Service) ForceSetStatus(ctx context.Context, shipmentID uint64, to, actor string, note *string) (*EventResult, error) {
	if shipmentID == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "shipmentId is required")
	}
	return s.transition(ctx, shipmentID, to, transitionOpts{
		eventType:  models.EventTypeAdminOverride,
		occurredAt: time.Now().UTC(),
		notes:      note,
		actor:      actor,
		strict:     false,
	})
}

type BulkItemResult struct {
	ShipmentID uint64 `json:"shipmentId"`
	EventID    uint64 `json:"eventId,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BulkSetStatus применяет строгий переход к каждому отправлению пачки.
// Частичный успех — норма: отказ одного не откатывает остальных.
func (s *Service) BulkSetStatus(ctx context.Context, ids []uint64, to, actor string) ([]BulkItemResult, error) {
	if len(ids) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "ids is empty")
	}
	if len(ids) > 1_000 {
		return nil, errors.Wrap(ErrInvalidInput, "too many ids (max 1000)")
	}
	if !lifecycle.IsKnown(to) {
		return nil, errors.Wrapf(lifecycle.ErrUnknownStatus, "status %q", to)
	}

	out := make([]BulkItemResult, 0, len(ids))
	for _, id := range ids {
		res, err := s.transition(ctx, id, to, transitionOpts{
			eventType:  eventTypeForStatus(to),
			occurredAt: time.Now().UTC(),
			actor:      actor,
			strict:     true,
		})
		if err != nil {
			out = append(out, BulkItemResult{ShipmentID: id, Error: err.Error()})
			continue
		}
		out = append(out, BulkItemResult{ShipmentID: id, EventID: res.EventID, Status: res.Status})
	}
	return out, nil
}

type transitionOpts struct {
	eventType  string
	occurredAt time.Time
	location   *string
	notes      *string
	actor      string
	proofJSON  *string
	strict     bool
}

func (s *Service) transition(ctx context.Context, shipmentID uint64, target string, opts transitionOpts) (*EventResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		sh, err := s.loadOne(ctx, shipmentID)
		if err != nil {
			return nil, err
		}
		from := sh.Status
		fromVersion := sh.Version

		if opts.strict {
			err = lifecycle.Apply(sh, target, opts.occurredAt)
		} else {
			err = lifecycle.Force(sh, target, opts.occurredAt)
		}
		if err != nil {
			return nil, err
		}

		eventID, err := s.repo.ApplyStatusChange(ctx, pgshipment.StatusChange{
			ShipmentID:       shipmentID,
			FromVersion:      fromVersion,
			ToStatus:         sh.Status,
			PickedUpAt:       sh.PickedUpAt,
			OutForDeliveryAt: sh.OutForDeliveryAt,
			DeliveredAt:      sh.DeliveredAt,
			Event: &models.ScanEvent{
				ShipmentID: shipmentID,
				EventType:  opts.eventType,
				Status:     sh.Status,
				OccurredAt: opts.occurredAt,
				Location:   opts.location,
				Notes:      opts.notes,
				Actor:      opts.actor,
				ProofJSON:  opts.proofJSON,
			},
		})
		if errors.Is(errors.Cause(err), pgshipment.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		s.refreshCurrentCache(ctx, shipmentID)
		s.publishStatusChanged(ctx, messages.ShipmentStatusChanged{
			ShipmentID:     shipmentID,
			TrackingNumber: sh.TrackingNumber,
			FromStatus:     from,
			ToStatus:       sh.Status,
			EventID:        eventID,
			EventType:      opts.eventType,
			Actor:          opts.actor,
			OccurredAt:     opts.occurredAt,
		})
		return &EventResult{EventID: eventID, ShipmentID: shipmentID, Status: sh.Status}, nil
	}
	return nil, lastErr
}

// loadOne читает отправление из БД напрямую: для мутаций нужна свежая
// версия строки, кэш здесь не подходит.
func (s *Service) loadOne(ctx context.Context, shipmentID uint64) (*models.Shipment, error) {
	shs, err := s.repo.GetShipmentsByIDs(ctx, []uint64{shipmentID})
	if err != nil {
		return nil, err
	}
	if len(shs) == 0 {
		return nil, ErrShipmentNotFound
	}
	return shs[0], nil
}

func eventTypeForStatus(status string) string {
	switch status {
	case models.ShipmentStatusPickedUp:
		return models.EventTypePickup
	case models.ShipmentStatusAtOriginHub:
		return models.EventTypeOriginHubScan
	case models.ShipmentStatusInTransit:
		return models.EventTypeLinehaulDepart
	case models.ShipmentStatusAtDestinationHub:
		return models.EventTypeDestHubScan
	case models.ShipmentStatusOutForDelivery:
		return models.EventTypeOutForDelivery
	case models.ShipmentStatusDelivered:
		return models.EventTypeDelivered
	case models.ShipmentStatusCancelled:
		return models.EventTypeCancelled
	case models.ShipmentStatusReturned:
		return models.EventTypeReturned
	}
	return models.EventTypeAdminOverride
}
