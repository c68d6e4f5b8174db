package pgshipment

import (
	"context"
	"encoding/json"

	"github.com/BearBump/ShipBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type execer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertScanEvent(ctx context.Context, q execer, e *models.ScanEvent) (uint64, error) {
	loc := ""
	if e.Location != nil {
		loc = *e.Location
	}
	notes := ""
	if e.Notes != nil {
		notes = *e.Notes
	}

	var proof any
	if e.ProofJSON != nil && *e.ProofJSON != "" {
		var m any
		if json.Unmarshal([]byte(*e.ProofJSON), &m) == nil {
			proof = m
		}
	}

	// ON CONFLICT DO UPDATE возвращает id и для уже существующей строки:
	// повторный скан того же события не плодит дублей.
	var id uint64
	err := q.QueryRow(ctx, `
INSERT INTO scan_events (
  shipment_id, event_type, status, occurred_at, location, notes, actor, proof, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
ON CONFLICT (shipment_id, event_type, occurred_at, location)
DO UPDATE SET shipment_id = EXCLUDED.shipment_id
RETURNING id
`, e.ShipmentID, e.EventType, e.Status, e.OccurredAt.UTC(), loc, notes, e.Actor, proof).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert scan event")
	}
	return id, nil
}

// AppendScanEvent добавляет событие, не меняющее статус (note, pod_submitted).
func (s *Storage) AppendScanEvent(ctx context.Context, e *models.ScanEvent) (uint64, error) {
	return insertScanEvent(ctx, s.db, e)
}

func (s *Storage) ListScanEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.ScanEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, shipment_id, event_type, status, occurred_at, location, notes, actor, proof, created_at
FROM scan_events
WHERE shipment_id = $1
ORDER BY occurred_at DESC
LIMIT $2 OFFSET $3
`, shipmentID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.ScanEvent
	for rows.Next() {
		var e models.ScanEvent
		var location, notes string
		var proof any
		if err := rows.Scan(
			&e.ID, &e.ShipmentID, &e.EventType, &e.Status, &e.OccurredAt,
			&location, &notes, &e.Actor, &proof, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}

		if location != "" {
			e.Location = &location
		}
		if notes != "" {
			e.Notes = &notes
		}
		if proof != nil {
			b, _ := json.Marshal(proof)
			s := string(b)
			e.ProofJSON = &s
		}

		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
