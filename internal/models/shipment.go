package models

import "time"

// Статусы жизненного цикла отправления (единственный источник правды).
const (
	ShipmentStatusBooked           = "BOOKED"
	ShipmentStatusPickedUp         = "PICKED_UP"
	ShipmentStatusAtOriginHub      = "AT_ORIGIN_HUB"
	ShipmentStatusInTransit        = "IN_TRANSIT"
	ShipmentStatusAtDestinationHub = "AT_DESTINATION_HUB"
	ShipmentStatusOutForDelivery   = "OUT_FOR_DELIVERY"
	ShipmentStatusDelivered        = "DELIVERED"
	ShipmentStatusCancelled        = "CANCELLED"
	ShipmentStatusReturned         = "RETURNED"
)

// Типы скан-событий.
const (
	EventTypePickup         = "pickup"
	EventTypeOriginHubScan  = "origin_hub_arrival"
	EventTypeLinehaulDepart = "linehaul_departed"
	EventTypeDestHubScan    = "destination_hub_arrival"
	EventTypeOutForDelivery = "out_for_delivery"
	EventTypeDelivered      = "delivered"
	EventTypeCancelled      = "cancelled"
	EventTypeReturned       = "returned"
	EventTypeNote           = "note"
	EventTypeAdminOverride  = "admin_override"
	EventTypePODSubmitted   = "pod_submitted"
	EventTypePODVerified    = "pod_verified"
)

type Shipment struct {
	ID             uint64
	TrackingNumber string
	Status         string

	OriginBranchID      uint64
	DestinationBranchID uint64
	CustomerID          uint64

	WeightKg      float64
	DeclaredValue float64
	CODAmount     float64
	PriceAmount   float64
	Priority      string

	ExpectedDeliveryAt *time.Time

	PickedUpAt       *time.Time
	OutForDeliveryAt *time.Time
	DeliveredAt      *time.Time

	// Оптимистичная блокировка: каждая смена статуса инкрементит Version.
	Version int32

	NextSLACheckAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScanEvent — неизменяемая запись истории отправления (append-only).
type ScanEvent struct {
	ID         uint64
	ShipmentID uint64
	EventType  string
	Status     string
	OccurredAt time.Time
	Location   *string
	Notes      *string
	Actor      string
	ProofJSON  *string
	CreatedAt  time.Time
}

// ProofOfDelivery подтверждает доставку; отправление финализируется
// только после проверки одноразового кода.
type ProofOfDelivery struct {
	ID          string
	ShipmentID  uint64
	Method      string // "signature" | "photo" | "otp"
	Code        string
	Verified    bool
	PayloadJSON *string
	CreatedAt   time.Time
	VerifiedAt  *time.Time
}

type ShipmentCreateInput struct {
	OriginBranchID      uint64
	DestinationBranchID uint64
	CustomerID          uint64
	WeightKg            float64
	DeclaredValue       float64
	CODAmount           float64
	PriceAmount         float64
	Priority            string
	ExpectedDeliveryAt  *time.Time
}
