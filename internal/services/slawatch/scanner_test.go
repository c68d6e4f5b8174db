package slawatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/ShipBox/internal/broker/messages"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/sla"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu          sync.Mutex
	due         []*models.Shipment
	claimCalls  int
	rescheduled map[uint64]time.Time
}

func newFakeRepo(due ...*models.Shipment) *fakeRepo {
	return &fakeRepo{due: due, rescheduled: map[uint64]time.Time{}}
}

func (r *fakeRepo) ClaimDueSLAShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimCalls++
	out := r.due
	r.due = nil
	return out, nil
}

func (r *fakeRepo) RescheduleSLACheck(ctx context.Context, shipmentID uint64, nextAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rescheduled[shipmentID] = nextAt
	return nil
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []messages.SLAAlert
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var m messages.SLAAlert
	if err := json.Unmarshal(value, &m); err != nil {
		return err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func shipmentDueIn(id uint64, d time.Duration) *models.Shipment {
	deadline := time.Now().UTC().Add(d)
	return &models.Shipment{
		ID:                 id,
		TrackingNumber:     "SB-0000000001",
		Status:             models.ShipmentStatusInTransit,
		ExpectedDeliveryAt: &deadline,
	}
}

func TestScanner_RunOnce_AlertsAndReschedules(t *testing.T) {
	repo := newFakeRepo(
		shipmentDueIn(1, 3*time.Hour),   // at_risk/high
		shipmentDueIn(2, -time.Hour),    // breached
		shipmentDueIn(3, 72*time.Hour),  // on_time, без алерта
	)
	producer := &fakeProducer{}
	s := New(repo, producer, "sla.alert")

	s.runOnce(context.Background())

	require.Len(t, producer.msgs, 2)
	byID := map[uint64]messages.SLAAlert{}
	for _, m := range producer.msgs {
		byID[m.ShipmentID] = m
	}
	require.Equal(t, sla.StatusAtRisk, byID[1].SLAStatus)
	require.Equal(t, sla.SeverityHigh, byID[1].Severity)
	require.Equal(t, sla.StatusBreached, byID[2].SLAStatus)
	require.Negative(t, byID[2].HoursRemaining)

	// Всем троим назначен следующий пересчёт.
	require.Len(t, repo.rescheduled, 3)
	now := time.Now().UTC()
	require.True(t, repo.rescheduled[1].After(now))

	st := s.Stats()
	require.Equal(t, int64(3), st.TotalClaimed)
	require.Equal(t, int64(2), st.TotalAlerts)
	require.Zero(t, st.TotalErrors)
}

func TestScanner_Run_TriggerForcesCycle(t *testing.T) {
	repo := newFakeRepo()
	s := New(repo, &fakeProducer{}, "sla.alert").
		WithSettings(time.Hour, 10, 2, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Trigger()
	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.claimCalls >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestScanner_HandleStatusChanged(t *testing.T) {
	s := New(newFakeRepo(), &fakeProducer{}, "sla.alert")

	b, _ := json.Marshal(messages.ShipmentStatusChanged{ShipmentID: 5, ToStatus: models.ShipmentStatusInTransit})
	require.NoError(t, s.HandleStatusChanged([]byte("5"), b))
	require.NotNil(t, s.Stats().LastTriggerAt)

	// Мусор в топике не валит консьюмера.
	require.NoError(t, s.HandleStatusChanged([]byte("x"), []byte("{not json")))
}

func TestSchedule_NextCheckDelay(t *testing.T) {
	sch := NewSchedule(ScheduleConfig{}, fixedRand{})

	require.Equal(t, 5*time.Minute, sch.NextCheckDelay(sla.Evaluation{Status: sla.StatusAtRisk, Severity: sla.SeverityCritical}))
	require.Equal(t, 15*time.Minute, sch.NextCheckDelay(sla.Evaluation{Status: sla.StatusAtRisk, Severity: sla.SeverityHigh}))
	require.Equal(t, 30*time.Minute, sch.NextCheckDelay(sla.Evaluation{Status: sla.StatusAtRisk, Severity: sla.SeverityMedium}))
	require.Equal(t, 60*time.Minute, sch.NextCheckDelay(sla.Evaluation{Status: sla.StatusAtRisk, Severity: sla.SeverityLow}))
	require.Equal(t, 6*time.Hour, sch.NextCheckDelay(sla.Evaluation{Status: sla.StatusBreached, Severity: sla.SeverityCritical}))

	// on_time: далеко до дедлайна — потолок, близко к окну риска — пол.
	far := sch.NextCheckDelay(sla.Evaluation{Status: sla.StatusOnTime, HoursRemaining: 240})
	require.LessOrEqual(t, far, 6*time.Hour)
	require.GreaterOrEqual(t, far, 5*time.Hour)

	near := sch.NextCheckDelay(sla.Evaluation{Status: sla.StatusOnTime, HoursRemaining: 24.5})
	require.GreaterOrEqual(t, near, 25*time.Minute)
	require.LessOrEqual(t, near, 35*time.Minute)
}

// Джиттер дёргается из горутин runOnce; расписание обязано это выдерживать.
func TestSchedule_NextCheckDelayConcurrent(t *testing.T) {
	sch := DefaultSchedule()
	ev := sla.Evaluation{Status: sla.StatusOnTime, HoursRemaining: 240}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d := sch.NextCheckDelay(ev)
				if d < 5*time.Hour || d > 7*time.Hour {
					t.Errorf("delay out of range: %v", d)
					return
				}
			}
		}()
	}
	wg.Wait()
}

type fixedRand struct{}

func (fixedRand) Intn(n int) int { return n / 2 }
