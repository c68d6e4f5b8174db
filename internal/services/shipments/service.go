package shipments

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/ShipBox/internal/broker/messages"
	"github.com/BearBump/ShipBox/internal/cache"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/sla"
	"github.com/BearBump/ShipBox/internal/storage/pgshipment"
	"github.com/pkg/errors"
)

var (
	ErrShipmentNotFound = pgshipment.ErrNotFound

	// ErrInvalidInput — отказ валидации; веб-слой маппит его в 400.
	ErrInvalidInput = errors.New("invalid input")
)

// Сколько раз перегенерируем трек-номера, если сгенерированный уже занят.
const maxBookingAttempts = 3

type Repository interface {
	CreateShipments(ctx context.Context, items []pgshipment.BookingInput) ([]*models.Shipment, error)
	GetShipmentsByIDs(ctx context.Context, ids []uint64) ([]*models.Shipment, error)
	GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error)
	ListScanEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.ScanEvent, error)
	ApplyStatusChange(ctx context.Context, ch pgshipment.StatusChange) (uint64, error)
	AppendScanEvent(ctx context.Context, e *models.ScanEvent) (uint64, error)
	CreatePOD(ctx context.Context, pod *models.ProofOfDelivery) error
	GetPOD(ctx context.Context, podID string) (*models.ProofOfDelivery, error)
	MarkPODVerified(ctx context.Context, podID string, at time.Time) (bool, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Service struct {
	repo       Repository
	cache      cache.BytesCache
	producer   Producer
	topic      string
	currentTTL time.Duration
}

// New собирает сервис. cache и producer опциональны (nil = выключено),
// как у кэша текущего состояния: сервис обязан работать и без них.
func New(repo Repository, c cache.BytesCache, producer Producer, topic string, currentTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, producer: producer, topic: topic, currentTTL: currentTTL}
}

func (s *Service) CreateShipments(ctx context.Context, items []models.ShipmentCreateInput) ([]*models.Shipment, error) {
	if len(items) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "items is empty")
	}
	if len(items) > 1_000 {
		return nil, errors.Wrap(ErrInvalidInput, "too many items (max 1000)")
	}

	for _, it := range items {
		if it.OriginBranchID == 0 {
			return nil, errors.Wrap(ErrInvalidInput, "originBranchId is required")
		}
		if it.DestinationBranchID == 0 {
			return nil, errors.Wrap(ErrInvalidInput, "destinationBranchId is required")
		}
		if it.OriginBranchID == it.DestinationBranchID {
			return nil, errors.Wrap(ErrInvalidInput, "origin and destination branches must differ")
		}
		if it.CustomerID == 0 {
			return nil, errors.Wrap(ErrInvalidInput, "customerId is required")
		}
		if it.WeightKg < 0 {
			return nil, errors.Wrap(ErrInvalidInput, "weightKg must be non-negative")
		}
	}

	// Коллизия трек-номера роняет всю транзакцию по UNIQUE; перегенерируем
	// номера пачки и пробуем ещё раз.
	var lastErr error
	for attempt := 0; attempt < maxBookingAttempts; attempt++ {
		in := make([]pgshipment.BookingInput, 0, len(items))
		for _, it := range items {
			in = append(in, pgshipment.BookingInput{
				ShipmentCreateInput: it,
				TrackingNumber:      newTrackingNumber(),
			})
		}
		out, err := s.repo.CreateShipments(ctx, in)
		if errors.Is(errors.Cause(err), pgshipment.ErrDuplicateTrackingNumber) {
			lastErr = err
			continue
		}
		return out, err
	}
	return nil, lastErr
}

// Трек-номер генерируется один раз при бронировании и далее неизменен.
func newTrackingNumber() string {
	b := make([]byte, 5)
	_, _ = rand.Read(b)
	n := uint64(0)
	for _, x := range b {
		n = n<<8 | uint64(x)
	}
	return fmt.Sprintf("SB-%010d", n%10_000_000_000)
}

func (s *Service) GetShipmentsByIDs(ctx context.Context, ids []uint64) ([]*models.Shipment, error) {
	if len(ids) == 0 {
		return []*models.Shipment{}, nil
	}
	// Кэшируем текущее состояние целиком как JSON; кэш best-effort,
	// промах или битое значение — просто идём в БД.
	miss := make([]uint64, 0, len(ids))
	got := make(map[uint64]*models.Shipment, len(ids))

	if s.cacheEnabled() {
		for _, id := range ids {
			b, ok, err := s.cache.Get(ctx, currentKey(id))
			if err != nil || !ok {
				miss = append(miss, id)
				continue
			}
			var sh models.Shipment
			if json.Unmarshal(b, &sh) != nil {
				miss = append(miss, id)
				continue
			}
			got[id] = &sh
		}
	} else {
		miss = ids
	}

	if len(miss) > 0 {
		fromDB, err := s.repo.GetShipmentsByIDs(ctx, miss)
		if err != nil {
			return nil, err
		}
		if s.cacheEnabled() {
			for _, sh := range fromDB {
				b, _ := json.Marshal(sh)
				_ = s.cache.Set(ctx, currentKey(sh.ID), b, s.currentTTL)
			}
		}
		for _, sh := range fromDB {
			got[sh.ID] = sh
		}
	}

	// Ответ в том же порядке, что ids.
	out := make([]*models.Shipment, 0, len(ids))
	for _, id := range ids {
		if sh, ok := got[id]; ok {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (s *Service) GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	if trackingNumber == "" {
		return nil, errors.Wrap(ErrInvalidInput, "trackingNumber is required")
	}
	return s.repo.GetShipmentByTrackingNumber(ctx, trackingNumber)
}

func (s *Service) ListScanEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.ScanEvent, error) {
	return s.repo.ListScanEvents(ctx, shipmentID, limit, offset)
}

// EvaluateSLA — чтение для дашбордов и трекинга; ничего не мутирует.
func (s *Service) EvaluateSLA(ctx context.Context, shipmentID uint64, now time.Time) (sla.Evaluation, error) {
	shs, err := s.GetShipmentsByIDs(ctx, []uint64{shipmentID})
	if err != nil {
		return sla.Evaluation{}, err
	}
	if len(shs) == 0 {
		return sla.Evaluation{}, ErrShipmentNotFound
	}
	return sla.Evaluate(shs[0], now), nil
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.currentTTL > 0
}

func currentKey(id uint64) string {
	return fmt.Sprintf("shipment:%d:current", id)
}

// refreshCurrentCache перечитывает одну запись из БД и обновляет кэш.
func (s *Service) refreshCurrentCache(ctx context.Context, shipmentID uint64) {
	if !s.cacheEnabled() {
		return
	}
	shs, err := s.repo.GetShipmentsByIDs(ctx, []uint64{shipmentID})
	if err == nil && len(shs) == 1 {
		b, _ := json.Marshal(shs[0])
		_ = s.cache.Set(ctx, currentKey(shipmentID), b, s.currentTTL)
	}
}

// publishStatusChanged — best-effort: сбой брокера не откатывает мутацию,
// только пишется в лог.
func (s *Service) publishStatusChanged(ctx context.Context, msg messages.ShipmentStatusChanged) {
	if s.producer == nil || s.topic == "" {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal status changed", "shipment_id", msg.ShipmentID, "error", err.Error())
		return
	}
	key := []byte(fmt.Sprintf("%d", msg.ShipmentID))
	if err := s.producer.Publish(ctx, s.topic, key, b); err != nil {
		slog.Warn("publish status changed", "shipment_id", msg.ShipmentID, "error", err.Error())
	}
}
