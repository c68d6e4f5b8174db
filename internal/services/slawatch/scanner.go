package slawatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ShipBox/internal/broker/messages"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/sla"
	"github.com/pkg/errors"
)

type Repository interface {
	ClaimDueSLAShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error)
	RescheduleSLACheck(ctx context.Context, shipmentID uint64, nextAt time.Time) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Scanner периодически пересчитывает SLA отправлений, у которых подошёл
// next_sla_check_at, шлёт алерты в Kafka и переназначает следующий пересчёт.
type Scanner struct {
	repo     Repository
	producer Producer

	topic string

	schedule *Schedule

	scanInterval time.Duration
	batchSize    int
	concurrency  int
	lease        time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalEvaluated      atomic.Int64
	totalAlerts         atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, producer Producer, topic string) *Scanner {
	return &Scanner{
		repo: repo, producer: producer, topic: topic,
		schedule:          DefaultSchedule(),
		scanInterval:      5 * time.Second,
		batchSize:         100,
		concurrency:       10,
		lease:             120 * time.Second,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Scanner) WithSettings(scanInterval time.Duration, batchSize, concurrency int, lease time.Duration) *Scanner {
	if scanInterval > 0 {
		s.scanInterval = scanInterval
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	if concurrency > 0 {
		s.concurrency = concurrency
	}
	if lease > 0 {
		s.lease = lease
	}
	return s
}

func (s *Scanner) WithSchedule(cfg ScheduleConfig) *Scanner {
	s.schedule = NewSchedule(cfg, nil)
	return s
}

// Trigger запускает внеочередной цикл (best-effort, не блокирует).
func (s *Scanner) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalEvaluated int64      `json:"totalEvaluated"`
	TotalAlerts    int64      `json:"totalAlerts"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (s *Scanner) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalClaimed:   s.totalClaimed.Load(),
		TotalEvaluated: s.totalEvaluated.Load(),
		TotalAlerts:    s.totalAlerts.Load(),
		TotalErrors:    s.totalErrors.Load(),
		InFlight:       s.inFlight.Load(),
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Scanner) Run(ctx context.Context) error {
	t := time.NewTicker(s.scanInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Scanner) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	s.lastCycleUnixNano.Store(now.UnixNano())

	items, err := s.repo.ClaimDueSLAShipments(ctx, now, s.batchSize, s.lease)
	if err != nil {
		slog.Error("claim due shipments", "error", err.Error())
		s.noteError(err)
		return
	}
	s.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, sh := range items {
		sem <- struct{}{}
		wg.Add(1)
		shCopy := sh
		s.inFlight.Add(1)
		go func() {
			defer func() {
				s.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := s.processOne(ctx, shCopy); err != nil {
				s.totalErrors.Add(1)
				s.noteError(err)
				slog.Error("evaluate shipment sla", "shipment_id", shCopy.ID, "error", err.Error())
			}
			s.totalEvaluated.Add(1)
		}()
	}
	wg.Wait()
}

func (s *Scanner) processOne(ctx context.Context, sh *models.Shipment) error {
	now := time.Now().UTC()
	ev := sla.Evaluate(sh, now)

	if ev.Status != sla.StatusOnTime {
		if err := s.publishAlert(ctx, sh, ev, now); err != nil {
			// Алерт не ушёл — пересчёт не переносим, lease истечёт и
			// отправление попадёт в следующий цикл.
			return err
		}
		s.totalAlerts.Add(1)
	}

	next := now.Add(s.schedule.NextCheckDelay(ev))
	return s.repo.RescheduleSLACheck(ctx, sh.ID, next)
}

func (s *Scanner) publishAlert(ctx context.Context, sh *models.Shipment, ev sla.Evaluation, now time.Time) error {
	msg := messages.SLAAlert{
		ShipmentID:     sh.ID,
		TrackingNumber: sh.TrackingNumber,
		ShipmentStatus: sh.Status,
		SLAStatus:      ev.Status,
		Severity:       ev.Severity,
		HoursRemaining: ev.HoursRemaining,
		EvaluatedAt:    now,
	}
	if sh.ExpectedDeliveryAt != nil {
		msg.DeadlineAt = *sh.ExpectedDeliveryAt
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal sla alert")
	}
	key := []byte(fmt.Sprintf("%d", sh.ID))
	return errors.Wrap(s.producer.Publish(ctx, s.topic, key, b), "publish sla alert")
}

func (s *Scanner) noteError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}

// HandleStatusChanged — обработчик сообщений shipment.status.changed.
// Смена статуса меняет расписание пересчёта, поэтому дёргаем внеочередной
// цикл; детальная оценка произойдёт там, где шип уже заклеймлен.
func (s *Scanner) HandleStatusChanged(key, value []byte) error {
	var msg messages.ShipmentStatusChanged
	if err := json.Unmarshal(value, &msg); err != nil {
		// Битое сообщение коммитим, иначе застрянем на нём навсегда.
		slog.Warn("skip malformed status changed", "key", string(key), "error", err.Error())
		return nil
	}
	slog.Debug("status changed", "shipment_id", msg.ShipmentID, "to", msg.ToStatus)
	s.Trigger()
	return nil
}
