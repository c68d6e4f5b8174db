package pgshipment

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  tracking_number TEXT NOT NULL UNIQUE,
  status TEXT NOT NULL CHECK (status IN (
    'BOOKED','PICKED_UP','AT_ORIGIN_HUB','IN_TRANSIT','AT_DESTINATION_HUB',
    'OUT_FOR_DELIVERY','DELIVERED','CANCELLED','RETURNED'
  )),
  origin_branch_id BIGINT NOT NULL,
  destination_branch_id BIGINT NOT NULL,
  customer_id BIGINT NOT NULL,
  weight_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
  declared_value NUMERIC(12,2) NOT NULL DEFAULT 0,
  cod_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
  price_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
  priority TEXT NOT NULL DEFAULT 'normal',
  expected_delivery_at TIMESTAMPTZ NULL,
  picked_up_at TIMESTAMPTZ NULL,
  out_for_delivery_at TIMESTAMPTZ NULL,
  delivered_at TIMESTAMPTZ NULL,
  version INT NOT NULL DEFAULT 0,
  next_sla_check_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_next_sla_check_at ON shipments(next_sla_check_at)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_status ON shipments(status)`,
		`
CREATE TABLE IF NOT EXISTS scan_events (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  event_type TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT '',
  occurred_at TIMESTAMPTZ NOT NULL,
  location TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  actor TEXT NOT NULL DEFAULT '',
  proof JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_events_shipment_id_occurred_at ON scan_events(shipment_id, occurred_at DESC)`,
		// Дедупликация повторных сканов одного и того же события.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_scan_events_dedup ON scan_events(shipment_id, event_type, occurred_at, location)`,
		`
CREATE TABLE IF NOT EXISTS pods (
  id UUID PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  method TEXT NOT NULL,
  code TEXT NOT NULL,
  verified BOOLEAN NOT NULL DEFAULT FALSE,
  payload JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL,
  verified_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_pods_shipment_id ON pods(shipment_id)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
