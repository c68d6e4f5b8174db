package messages

import "time"

// ShipmentStatusChanged публикуется после каждой успешной смены статуса.
// Ключ сообщения — shipment_id, чтобы события одного отправления
// попадали в одну партицию и сохраняли порядок.
type ShipmentStatusChanged struct {
	ShipmentID     uint64    `json:"shipment_id"`
	TrackingNumber string    `json:"tracking_number"`
	FromStatus     string    `json:"from_status"`
	ToStatus       string    `json:"to_status"`
	EventID        uint64    `json:"event_id,omitempty"`
	EventType      string    `json:"event_type,omitempty"`
	Actor          string    `json:"actor,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}
