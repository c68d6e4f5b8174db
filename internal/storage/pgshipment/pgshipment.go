package pgshipment

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// ErrVersionConflict — отправление успели изменить между чтением и записью
// (оптимистичная блокировка). Вызывающий перечитывает и повторяет.
var ErrVersionConflict = errors.New("shipment version conflict")

var ErrNotFound = errors.New("shipment not found")

// ErrDuplicateTrackingNumber — сгенерированный трек-номер уже занят.
// Вызывающий перегенерирует номера и повторяет бронирование.
var ErrDuplicateTrackingNumber = errors.New("duplicate tracking number")

type Storage struct {
	db *pgxpool.Pool
}

func New(connString string) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg config")
	}

	db, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect pg")
	}

	s := &Storage{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}
