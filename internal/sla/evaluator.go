package sla

import (
	"time"

	"github.com/BearBump/ShipBox/internal/models"
)

const (
	StatusOnTime   = "on_time"
	StatusAtRisk   = "at_risk"
	StatusBreached = "breached"
)

const (
	SeverityNone     = "none"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Порог «под риском»: дедлайн ближе, чем за сутки.
const AtRiskWindow = 24 * time.Hour

type Evaluation struct {
	Status         string  `json:"status"`
	HoursRemaining float64 `json:"hoursRemaining"`
	Severity       string  `json:"severity"`
}

// Evaluate — чистая функция от (отправление, now). Ничего не мутирует,
// безопасна для конкурентных вызовов с дашбордов.
func Evaluate(sh *models.Shipment, now time.Time) Evaluation {
	if sh.ExpectedDeliveryAt == nil {
		// Дедлайн не назначен — оценивать нечего.
		return Evaluation{Status: StatusOnTime, Severity: SeverityNone}
	}
	deadline := sh.ExpectedDeliveryAt.UTC()

	if sh.DeliveredAt != nil {
		if sh.DeliveredAt.UTC().After(deadline) {
			// Опоздание уже случилось; HoursRemaining отрицательный — на сколько опоздали.
			return Evaluation{
				Status:         StatusBreached,
				HoursRemaining: hoursBetween(sh.DeliveredAt.UTC(), deadline),
				Severity:       SeverityCritical,
			}
		}
		return Evaluation{Status: StatusOnTime, Severity: SeverityNone}
	}

	remaining := hoursBetween(now.UTC(), deadline)
	switch {
	case !deadline.After(now.UTC()):
		return Evaluation{Status: StatusBreached, HoursRemaining: remaining, Severity: SeverityCritical}
	case !deadline.After(now.UTC().Add(AtRiskWindow)):
		return Evaluation{Status: StatusAtRisk, HoursRemaining: remaining, Severity: bandFor(remaining)}
	default:
		return Evaluation{Status: StatusOnTime, HoursRemaining: remaining, Severity: SeverityNone}
	}
}

func bandFor(hoursRemaining float64) string {
	switch {
	case hoursRemaining < 2:
		return SeverityCritical
	case hoursRemaining < 6:
		return SeverityHigh
	case hoursRemaining < 12:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func hoursBetween(from, to time.Time) float64 {
	return to.Sub(from).Hours()
}
