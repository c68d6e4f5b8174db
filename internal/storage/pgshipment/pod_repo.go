package pgshipment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/ShipBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

var ErrPODNotFound = errors.New("pod not found")

func (s *Storage) CreatePOD(ctx context.Context, pod *models.ProofOfDelivery) error {
	var payload any
	if pod.PayloadJSON != nil && *pod.PayloadJSON != "" {
		var m any
		if json.Unmarshal([]byte(*pod.PayloadJSON), &m) == nil {
			payload = m
		}
	}

	_, err := s.db.Exec(ctx, `
INSERT INTO pods (id, shipment_id, method, code, verified, payload, created_at)
VALUES ($1,$2,$3,$4,FALSE,$5,$6)
`, pod.ID, pod.ShipmentID, pod.Method, pod.Code, payload, pod.CreatedAt.UTC())
	return errors.Wrap(err, "insert pod")
}

func (s *Storage) GetPOD(ctx context.Context, podID string) (*models.ProofOfDelivery, error) {
	var pod models.ProofOfDelivery
	var payload any
	err := s.db.QueryRow(ctx, `
SELECT id, shipment_id, method, code, verified, payload, created_at, verified_at
FROM pods
WHERE id = $1
`, podID).Scan(&pod.ID, &pod.ShipmentID, &pod.Method, &pod.Code, &pod.Verified, &payload, &pod.CreatedAt, &pod.VerifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPODNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select pod")
	}
	if payload != nil {
		b, _ := json.Marshal(payload)
		s := string(b)
		pod.PayloadJSON = &s
	}
	return &pod, nil
}

// MarkPODVerified помечает POD проверенным ровно один раз: условие
// verified = FALSE гарантирует, что второй verify не пройдёт.
func (s *Storage) MarkPODVerified(ctx context.Context, podID string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE pods SET verified = TRUE, verified_at = $2 WHERE id = $1 AND verified = FALSE
`, podID, at.UTC())
	if err != nil {
		return false, errors.Wrap(err, "mark pod verified")
	}
	return tag.RowsAffected() > 0, nil
}
