package messages

import "time"

// SLAAlert — сигнал для эскалации: отправление под риском или уже
// просрочено. Потребители (алертинг, дашборды) живут вне этого сервиса.
type SLAAlert struct {
	ShipmentID     uint64    `json:"shipment_id"`
	TrackingNumber string    `json:"tracking_number"`
	ShipmentStatus string    `json:"shipment_status"`
	SLAStatus      string    `json:"sla_status"` // at_risk | breached
	Severity       string    `json:"severity"`
	HoursRemaining float64   `json:"hours_remaining"`
	DeadlineAt     time.Time `json:"deadline_at"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}
