package pgshipment

import (
	"context"
	"time"

	"github.com/BearBump/ShipBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const shipmentColumns = `
  id, tracking_number, status,
  origin_branch_id, destination_branch_id, customer_id,
  weight_kg, declared_value, cod_amount, price_amount, priority,
  expected_delivery_at, picked_up_at, out_for_delivery_at, delivered_at,
  version, next_sla_check_at, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(row rowScanner) (*models.Shipment, error) {
	var sh models.Shipment
	if err := row.Scan(
		&sh.ID, &sh.TrackingNumber, &sh.Status,
		&sh.OriginBranchID, &sh.DestinationBranchID, &sh.CustomerID,
		&sh.WeightKg, &sh.DeclaredValue, &sh.CODAmount, &sh.PriceAmount, &sh.Priority,
		&sh.ExpectedDeliveryAt, &sh.PickedUpAt, &sh.OutForDeliveryAt, &sh.DeliveredAt,
		&sh.Version, &sh.NextSLACheckAt, &sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, errors.Wrap(err, "scan shipment")
	}
	return &sh, nil
}

// BookingInput — валидированный ввод бронирования плюс сгенерированный
// сервисом трек-номер.
type BookingInput struct {
	models.ShipmentCreateInput
	TrackingNumber string
}

func (s *Storage) CreateShipments(ctx context.Context, items []BookingInput) ([]*models.Shipment, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]uint64, 0, len(items))
	for _, it := range items {
		var id uint64
		err := tx.QueryRow(ctx, `
INSERT INTO shipments (
  tracking_number, status,
  origin_branch_id, destination_branch_id, customer_id,
  weight_kg, declared_value, cod_amount, price_amount, priority,
  expected_delivery_at, next_sla_check_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
RETURNING id
`, it.TrackingNumber, models.ShipmentStatusBooked,
			it.OriginBranchID, it.DestinationBranchID, it.CustomerID,
			it.WeightKg, it.DeclaredValue, it.CODAmount, it.PriceAmount, priorityOrDefault(it.Priority),
			it.ExpectedDeliveryAt, now, now).Scan(&id)
		if err != nil {
			// Единственный UNIQUE на этой вставке — трек-номер.
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return nil, errors.Wrapf(ErrDuplicateTrackingNumber, "%s", it.TrackingNumber)
			}
			return nil, errors.Wrap(err, "insert shipment")
		}

		// Бронирование сразу оставляет след в истории.
		if _, err := tx.Exec(ctx, `
INSERT INTO scan_events (shipment_id, event_type, status, occurred_at, actor, created_at)
VALUES ($1,$2,$3,$4,$5,now())
`, id, models.EventTypeNote, models.ShipmentStatusBooked, now, "booking"); err != nil {
			return nil, errors.Wrap(err, "insert booking event")
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	return s.GetShipmentsByIDs(ctx, ids)
}

func priorityOrDefault(p string) string {
	if p == "" {
		return "normal"
	}
	return p
}

func (s *Storage) GetShipmentsByIDs(ctx context.Context, ids []uint64) ([]*models.Shipment, error) {
	if len(ids) == 0 {
		return []*models.Shipment{}, nil
	}

	rows, err := s.db.Query(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	defer rows.Close()

	out := make([]*models.Shipment, 0, len(ids))
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE tracking_number = $1`, trackingNumber)
	sh, err := scanShipment(row)
	if errors.Is(errors.Cause(err), pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sh, nil
}

// StatusChange — атомарная смена статуса плюс append скан-события.
// Либо применяются обе половины, либо ни одна.
type StatusChange struct {
	ShipmentID  uint64
	FromVersion int32

	ToStatus         string
	PickedUpAt       *time.Time
	OutForDeliveryAt *time.Time
	DeliveredAt      *time.Time

	Event *models.ScanEvent
}

// ApplyStatusChange обновляет строку только если version не сдвинулась с
// момента чтения; иначе ErrVersionConflict и вызывающий повторяет с
// перечитанным отправлением.
func (s *Storage) ApplyStatusChange(ctx context.Context, ch StatusChange) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE shipments
SET
  status = $3,
  picked_up_at = COALESCE(picked_up_at, $4),
  out_for_delivery_at = COALESCE(out_for_delivery_at, $5),
  delivered_at = COALESCE(delivered_at, $6),
  version = version + 1,
  updated_at = now()
WHERE id = $1 AND version = $2
`, ch.ShipmentID, ch.FromVersion, ch.ToStatus, ch.PickedUpAt, ch.OutForDeliveryAt, ch.DeliveredAt)
	if err != nil {
		return 0, errors.Wrap(err, "update shipment status")
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrVersionConflict
	}

	var eventID uint64
	if ch.Event != nil {
		eventID, err = insertScanEvent(ctx, tx, ch.Event)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit tx")
	}
	return eventID, nil
}

// ClaimDueSLAShipments выбирает пачку отправлений, которым пора пересчитать
// SLA, и «бронирует» их lease-ом, чтобы параллельный воркер их не перехватил.
// Использует SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueSLAShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+shipmentColumns+`
FROM shipments
WHERE next_sla_check_at <= $1
  AND expected_delivery_at IS NOT NULL
  AND status NOT IN ($2, $3, $4)
ORDER BY next_sla_check_at ASC
LIMIT $5
FOR UPDATE SKIP LOCKED
`, now.UTC(), models.ShipmentStatusDelivered, models.ShipmentStatusCancelled, models.ShipmentStatusReturned, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due shipments")
	}
	defer rows.Close()

	var picked []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		picked = append(picked, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, sh := range picked {
		if _, err := tx.Exec(ctx, `UPDATE shipments SET next_sla_check_at = $2, updated_at = now() WHERE id = $1`, sh.ID, leaseUntil); err != nil {
			return nil, errors.Wrap(err, "lease shipment")
		}
		sh.NextSLACheckAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

func (s *Storage) RescheduleSLACheck(ctx context.Context, shipmentID uint64, nextAt time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE shipments SET next_sla_check_at = $2, updated_at = now() WHERE id = $1`, shipmentID, nextAt.UTC())
	return errors.Wrap(err, "reschedule sla check")
}
