package shipments

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/BearBump/ShipBox/internal/lifecycle"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/storage/pgshipment"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrBadPODCode         = errors.New("pod code mismatch")
	ErrPODAlreadyVerified = errors.New("pod already verified")
	ErrPODNotFound        = pgshipment.ErrPODNotFound
)

type PODSubmitInput struct {
	ShipmentID  uint64
	Method      string
	PayloadJSON *string
	Actor       string
}

type PODSubmitResult struct {
	PODID string `json:"podId"`
	Code  string `json:"code"`
}

// SubmitPOD курьер вызывает на пороге: создаёт подтверждение доставки с
// одноразовым кодом. Код выдаётся один раз здесь и нигде больше не
// показывается; доставка финализируется только через VerifyPOD.
func (s *Service) SubmitPOD(ctx context.Context, in PODSubmitInput) (*PODSubmitResult, error) {
	if in.ShipmentID == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "shipmentId is required")
	}
	switch in.Method {
	case "signature", "photo", "otp":
	default:
		return nil, errors.Wrapf(ErrInvalidInput, "unknown pod method %q", in.Method)
	}

	sh, err := s.loadOne(ctx, in.ShipmentID)
	if err != nil {
		return nil, err
	}
	// POD принимается только когда доставка реально следующая по пути.
	if !lifecycle.CanTransition(sh.Status, models.ShipmentStatusDelivered) {
		return nil, errors.Wrapf(lifecycle.ErrIllegalTransition,
			"pod for shipment %d in status %s", sh.ID, sh.Status)
	}

	now := time.Now().UTC()
	pod := &models.ProofOfDelivery{
		ID:          uuid.NewString(),
		ShipmentID:  in.ShipmentID,
		Method:      in.Method,
		Code:        newVerifyCode(),
		PayloadJSON: in.PayloadJSON,
		CreatedAt:   now,
	}
	if err := s.repo.CreatePOD(ctx, pod); err != nil {
		return nil, err
	}

	note := fmt.Sprintf("pod %s submitted (%s)", pod.ID, pod.Method)
	_, err = s.repo.AppendScanEvent(ctx, &models.ScanEvent{
		ShipmentID: in.ShipmentID,
		EventType:  models.EventTypePODSubmitted,
		Status:     sh.Status,
		OccurredAt: now,
		Notes:      &note,
		Actor:      in.Actor,
		ProofJSON:  in.PayloadJSON,
	})
	if err != nil {
		return nil, err
	}
	return &PODSubmitResult{PODID: pod.ID, Code: pod.Code}, nil
}

// VerifyPOD проверяет одноразовый код и переводит отправление в DELIVERED.
// Код сгорает ровно один раз; но пометка и переход — две операции, и если
// переход упал транзиентно после пометки, ретрай с тем же верным кодом
// довозит доставку до конца вместо отказа.
func (s *Service) VerifyPOD(ctx context.Context, podID, code, actor string) (*EventResult, error) {
	if podID == "" {
		return nil, errors.Wrap(ErrInvalidInput, "podId is required")
	}
	pod, err := s.repo.GetPOD(ctx, podID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	resumed := pod.Verified
	if resumed {
		// Код уже сожжён. Верный код легитимен только как ретрай
		// недоехавшего перехода; всё остальное — повторная проверка.
		if code != pod.Code {
			return nil, errors.Wrapf(ErrPODAlreadyVerified, "pod %s", podID)
		}
	} else {
		if code != pod.Code {
			return nil, errors.Wrapf(ErrBadPODCode, "pod %s", podID)
		}
		if _, err := s.repo.MarkPODVerified(ctx, podID, now); err != nil {
			return nil, err
		}
		// false значит параллельная проверка того же кода пометила первой;
		// переход ниже сведёт обе стороны к одному DELIVERED.
	}

	note := fmt.Sprintf("pod %s verified", podID)
	res, err := s.transition(ctx, pod.ShipmentID, models.ShipmentStatusDelivered, transitionOpts{
		eventType:  models.EventTypePODVerified,
		occurredAt: now,
		notes:      &note,
		actor:      actor,
		strict:     true,
	})
	if errors.Is(errors.Cause(err), lifecycle.ErrTerminalState) {
		sh, lerr := s.loadOne(ctx, pod.ShipmentID)
		if lerr != nil {
			return nil, lerr
		}
		if sh.Status != models.ShipmentStatusDelivered {
			return nil, err
		}
		if resumed {
			// Переход давно состоялся — это именно повторная проверка.
			return nil, errors.Wrapf(ErrPODAlreadyVerified, "pod %s", podID)
		}
		// Отправление уже доставлено другим путём; код сожжён, состояние
		// консистентно — считаем успехом без нового перехода.
		return &EventResult{ShipmentID: pod.ShipmentID, Status: sh.Status}, nil
	}
	return res, err
}

// Шестизначный код, криптослучайный; ведущие нули допустимы.
func newVerifyCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%06d", n.Int64())
}
