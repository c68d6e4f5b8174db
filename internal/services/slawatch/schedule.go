package slawatch

import (
	"math/rand"
	"sync"
	"time"

	"github.com/BearBump/ShipBox/internal/sla"
)

type Rand interface {
	Intn(n int) int
}

// ScheduleConfig задаёт каденс пересчёта SLA по результату оценки.
type ScheduleConfig struct {
	OnTimeMinDelay time.Duration // default: 30 minutes
	OnTimeMaxDelay time.Duration // default: 6 hours

	AtRiskLowDelay      time.Duration // default: 60 minutes
	AtRiskMediumDelay   time.Duration // default: 30 minutes
	AtRiskHighDelay     time.Duration // default: 15 minutes
	AtRiskCriticalDelay time.Duration // default: 5 minutes

	BreachedDelay time.Duration // default: 6 hours (повторный алерт)
}

func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		OnTimeMinDelay: 30 * time.Minute,
		OnTimeMaxDelay: 6 * time.Hour,

		AtRiskLowDelay:      60 * time.Minute,
		AtRiskMediumDelay:   30 * time.Minute,
		AtRiskHighDelay:     15 * time.Minute,
		AtRiskCriticalDelay: 5 * time.Minute,

		BreachedDelay: 6 * time.Hour,
	}
}

type Schedule struct {
	cfg ScheduleConfig

	// NextCheckDelay зовётся из горутин runOnce, а *rand.Rand сам по себе
	// не потокобезопасен — доступ к r только под мьютексом.
	mu sync.Mutex
	r  Rand
}

func NewSchedule(cfg ScheduleConfig, r Rand) *Schedule {
	def := DefaultScheduleConfig()
	if cfg.OnTimeMinDelay <= 0 {
		cfg.OnTimeMinDelay = def.OnTimeMinDelay
	}
	if cfg.OnTimeMaxDelay <= 0 {
		cfg.OnTimeMaxDelay = def.OnTimeMaxDelay
	}
	if cfg.OnTimeMaxDelay < cfg.OnTimeMinDelay {
		cfg.OnTimeMaxDelay = cfg.OnTimeMinDelay
	}
	if cfg.AtRiskLowDelay <= 0 {
		cfg.AtRiskLowDelay = def.AtRiskLowDelay
	}
	if cfg.AtRiskMediumDelay <= 0 {
		cfg.AtRiskMediumDelay = def.AtRiskMediumDelay
	}
	if cfg.AtRiskHighDelay <= 0 {
		cfg.AtRiskHighDelay = def.AtRiskHighDelay
	}
	if cfg.AtRiskCriticalDelay <= 0 {
		cfg.AtRiskCriticalDelay = def.AtRiskCriticalDelay
	}
	if cfg.BreachedDelay <= 0 {
		cfg.BreachedDelay = def.BreachedDelay
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Schedule{cfg: cfg, r: r}
}

func DefaultSchedule() *Schedule {
	return NewSchedule(DefaultScheduleConfig(), nil)
}

// NextCheckDelay — через сколько пересчитать SLA после оценки ev.
//
// on_time: подгадываем под вход в окно риска, но не реже OnTimeMaxDelay
// и не чаще OnTimeMinDelay (плюс джиттер, чтобы пачка бронирований не
// просыпалась синхронно). at_risk: каденс по severity. breached: редкий
// повторный алерт, пока отправление не закроют.
func (s *Schedule) NextCheckDelay(ev sla.Evaluation) time.Duration {
	switch ev.Status {
	case sla.StatusAtRisk:
		switch ev.Severity {
		case sla.SeverityCritical:
			return s.cfg.AtRiskCriticalDelay
		case sla.SeverityHigh:
			return s.cfg.AtRiskHighDelay
		case sla.SeverityMedium:
			return s.cfg.AtRiskMediumDelay
		default:
			return s.cfg.AtRiskLowDelay
		}
	case sla.StatusBreached:
		return s.cfg.BreachedDelay
	default:
		d := time.Duration((ev.HoursRemaining - sla.AtRiskWindow.Hours()) * float64(time.Hour))
		if d > s.cfg.OnTimeMaxDelay {
			d = s.cfg.OnTimeMaxDelay
		}
		if d < s.cfg.OnTimeMinDelay {
			d = s.cfg.OnTimeMinDelay
		}
		return s.jitter(d)
	}
}

// До ±10% от задержки.
func (s *Schedule) jitter(d time.Duration) time.Duration {
	spread := int(d / 10)
	if spread <= 0 {
		return d
	}
	s.mu.Lock()
	n := s.r.Intn(spread)
	s.mu.Unlock()
	return d - time.Duration(spread/2) + time.Duration(n)
}
