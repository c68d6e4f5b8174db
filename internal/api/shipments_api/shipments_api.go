package shipments_api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/ShipBox/internal/cache/rediscache"
	"github.com/BearBump/ShipBox/internal/idempotency"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/services/shipments"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

const (
	headerCallerID       = "X-Caller-Id"
	headerIdempotencyKey = "Idempotency-Key"

	rateLimitWindow = 70 * time.Second
)

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// ShipmentsAPI — HTTP-слой. Вся бизнес-логика в сервисе; здесь только
// декодирование, идемпотентность мутаций и маппинг ошибок.
type ShipmentsAPI struct {
	svc   *shipments.Service
	guard *idempotency.Guard

	rl          RateLimiter
	rlPerMinute int64

	swaggerPath string
}

func New(svc *shipments.Service, guard *idempotency.Guard, rl RateLimiter, rlPerMinute int64) *ShipmentsAPI {
	return &ShipmentsAPI{svc: svc, guard: guard, rl: rl, rlPerMinute: rlPerMinute}
}

func (a *ShipmentsAPI) WithSwagger(path string) *ShipmentsAPI {
	a.swaggerPath = path
	return a
}

func (a *ShipmentsAPI) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Get("/shipments", a.getShipments)
		r.Post("/shipments", a.guarded(a.createShipments))
		r.Post("/shipments/status", a.guarded(a.bulkSetStatus))
		r.Get("/shipments/{id}", a.getShipment)
		r.Get("/shipments/{id}/events", a.listScanEvents)
		r.Post("/shipments/{id}/events", a.guarded(a.ingestEvent))
		r.Get("/shipments/{id}/sla", a.getSLA)
		r.Post("/shipments/{id}/pod", a.guarded(a.submitPOD))
		r.Put("/shipments/{id}/status", a.guarded(a.forceSetStatus))
		r.Post("/pods/{podID}/verify", a.guarded(a.verifyPOD))
		r.Get("/tracking/{trackingNumber}", a.getByTrackingNumber)
	})

	if a.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, a.swaggerPath)
		})
		r.Get("/docs/*", httpSwagger.Handler(
			httpSwagger.URL("/swagger.json"),
		))
	}

	return r
}

// mutationHandler возвращает (статус, payload, err). err — транзиентный сбой:
// guard не кэширует ответ и ключ освобождается под ретрай. Бизнес-отказы
// маппятся в 4xx внутри guarded и кэшируются как обычный ответ.
type mutationHandler func(r *http.Request, body []byte) (int, any, error)

func (a *ShipmentsAPI) guarded(h mutationHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get(headerCallerID)
		if caller == "" {
			writeError(w, http.StatusBadRequest, "validation", "X-Caller-Id header is required")
			return
		}

		if a.rl != nil && a.rlPerMinute > 0 {
			allowed, n, err := a.rl.Allow(r.Context(), rediscache.CallerKey(caller, time.Now()), a.rlPerMinute, rateLimitWindow)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "unavailable", "rate limiter is unavailable")
				return
			}
			if !allowed {
				slog.Warn("rate limit exceeded", "caller", caller, "count", n)
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests, slow down")
				return
			}
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", "cannot read request body")
			return
		}

		res, err := a.guard.Do(r.Context(), idempotency.Request{
			Key:      r.Header.Get(headerIdempotencyKey),
			Path:     r.URL.Path,
			CallerID: caller,
			Body:     body,
		}, func(ctx context.Context) (int, []byte, error) {
			status, v, err := h(r.WithContext(ctx), body)
			if err != nil {
				st, kind := mapError(err)
				if st >= http.StatusInternalServerError {
					return 0, nil, err
				}
				return st, errJSON(kind, err.Error()), nil
			}
			b, err := json.Marshal(v)
			if err != nil {
				return 0, nil, err
			}
			return status, b, nil
		})
		if err != nil {
			status, kind := mapError(err)
			writeError(w, status, kind, err.Error())
			return
		}

		if res.Replayed {
			w.Header().Set("Idempotency-Replayed", "true")
		}
		writeJSON(w, res.StatusCode, res.Body)
	}
}

type shipmentDTO struct {
	ID                  uint64     `json:"id"`
	TrackingNumber      string     `json:"trackingNumber"`
	Status              string     `json:"status"`
	OriginBranchID      uint64     `json:"originBranchId"`
	DestinationBranchID uint64     `json:"destinationBranchId"`
	CustomerID          uint64     `json:"customerId"`
	WeightKg            float64    `json:"weightKg"`
	DeclaredValue       float64    `json:"declaredValue"`
	CODAmount           float64    `json:"codAmount"`
	PriceAmount         float64    `json:"priceAmount"`
	Priority            string     `json:"priority"`
	ExpectedDeliveryAt  *time.Time `json:"expectedDeliveryAt,omitempty"`
	PickedUpAt          *time.Time `json:"pickedUpAt,omitempty"`
	OutForDeliveryAt    *time.Time `json:"outForDeliveryAt,omitempty"`
	DeliveredAt         *time.Time `json:"deliveredAt,omitempty"`
	Version             int32      `json:"version"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

func toShipmentDTO(sh *models.Shipment) shipmentDTO {
	return shipmentDTO{
		ID:                  sh.ID,
		TrackingNumber:      sh.TrackingNumber,
		Status:              sh.Status,
		OriginBranchID:      sh.OriginBranchID,
		DestinationBranchID: sh.DestinationBranchID,
		CustomerID:          sh.CustomerID,
		WeightKg:            sh.WeightKg,
		DeclaredValue:       sh.DeclaredValue,
		CODAmount:           sh.CODAmount,
		PriceAmount:         sh.PriceAmount,
		Priority:            sh.Priority,
		ExpectedDeliveryAt:  sh.ExpectedDeliveryAt,
		PickedUpAt:          sh.PickedUpAt,
		OutForDeliveryAt:    sh.OutForDeliveryAt,
		DeliveredAt:         sh.DeliveredAt,
		Version:             sh.Version,
		CreatedAt:           sh.CreatedAt,
		UpdatedAt:           sh.UpdatedAt,
	}
}

func toShipmentDTOs(shs []*models.Shipment) []shipmentDTO {
	out := make([]shipmentDTO, 0, len(shs))
	for _, sh := range shs {
		out = append(out, toShipmentDTO(sh))
	}
	return out
}

type scanEventDTO struct {
	ID         uint64    `json:"id"`
	ShipmentID uint64    `json:"shipmentId"`
	EventType  string    `json:"eventType"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurredAt"`
	Location   string    `json:"location,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"createdAt"`
}

func toScanEventDTOs(evs []*models.ScanEvent) []scanEventDTO {
	out := make([]scanEventDTO, 0, len(evs))
	for _, e := range evs {
		out = append(out, scanEventDTO{
			ID:         e.ID,
			ShipmentID: e.ShipmentID,
			EventType:  e.EventType,
			Status:     e.Status,
			OccurredAt: e.OccurredAt,
			Location:   derefString(e.Location),
			Notes:      derefString(e.Notes),
			Actor:      e.Actor,
			CreatedAt:  e.CreatedAt,
		})
	}
	return out
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type createShipmentsRequest struct {
	Items []createShipmentItem `json:"items"`
}

type createShipmentItem struct {
	OriginBranchID      uint64     `json:"originBranchId"`
	DestinationBranchID uint64     `json:"destinationBranchId"`
	CustomerID          uint64     `json:"customerId"`
	WeightKg            float64    `json:"weightKg"`
	DeclaredValue       float64    `json:"declaredValue"`
	CODAmount           float64    `json:"codAmount"`
	PriceAmount         float64    `json:"priceAmount"`
	Priority            string     `json:"priority"`
	ExpectedDeliveryAt  *time.Time `json:"expectedDeliveryAt"`
}

func (a *ShipmentsAPI) createShipments(r *http.Request, body []byte) (int, any, error) {
	var req createShipmentsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, invalidJSON(err)
	}
	in := make([]models.ShipmentCreateInput, 0, len(req.Items))
	for _, it := range req.Items {
		in = append(in, models.ShipmentCreateInput{
			OriginBranchID:      it.OriginBranchID,
			DestinationBranchID: it.DestinationBranchID,
			CustomerID:          it.CustomerID,
			WeightKg:            it.WeightKg,
			DeclaredValue:       it.DeclaredValue,
			CODAmount:           it.CODAmount,
			PriceAmount:         it.PriceAmount,
			Priority:            it.Priority,
			ExpectedDeliveryAt:  it.ExpectedDeliveryAt,
		})
	}
	shs, err := a.svc.CreateShipments(r.Context(), in)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, map[string]any{"shipments": toShipmentDTOs(shs)}, nil
}

type ingestEventRequest struct {
	EventType  string    `json:"eventType"`
	OccurredAt time.Time `json:"occurredAt"`
	Location   *string   `json:"location"`
	Notes      *string   `json:"notes"`
	ProofJSON  *string   `json:"proofJson"`
}

func (a *ShipmentsAPI) ingestEvent(r *http.Request, body []byte) (int, any, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return 0, nil, err
	}
	var req ingestEventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, invalidJSON(err)
	}
	res, err := a.svc.IngestEvent(r.Context(), shipments.IngestInput{
		ShipmentID: id,
		EventType:  req.EventType,
		OccurredAt: req.OccurredAt,
		Location:   req.Location,
		Notes:      req.Notes,
		Actor:      r.Header.Get(headerCallerID),
		ProofJSON:  req.ProofJSON,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

type forceStatusRequest struct {
	Status string  `json:"status"`
	Note   *string `json:"note"`
}

func (a *ShipmentsAPI) forceSetStatus(r *http.Request, body []byte) (int, any, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return 0, nil, err
	}
	var req forceStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, invalidJSON(err)
	}
	res, err := a.svc.ForceSetStatus(r.Context(), id, req.Status, r.Header.Get(headerCallerID), req.Note)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

type bulkStatusRequest struct {
	IDs    []uint64 `json:"ids"`
	Status string   `json:"status"`
}

func (a *ShipmentsAPI) bulkSetStatus(r *http.Request, body []byte) (int, any, error) {
	var req bulkStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, invalidJSON(err)
	}
	out, err := a.svc.BulkSetStatus(r.Context(), req.IDs, req.Status, r.Header.Get(headerCallerID))
	if err != nil {
		return 0, nil, err
	}
	// 207 тут был бы честнее, но клиенты всё равно смотрят на item.error.
	return http.StatusOK, map[string]any{"results": out}, nil
}

type submitPODRequest struct {
	Method      string  `json:"method"`
	PayloadJSON *string `json:"payloadJson"`
}

func (a *ShipmentsAPI) submitPOD(r *http.Request, body []byte) (int, any, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return 0, nil, err
	}
	var req submitPODRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, invalidJSON(err)
	}
	res, err := a.svc.SubmitPOD(r.Context(), shipments.PODSubmitInput{
		ShipmentID:  id,
		Method:      req.Method,
		PayloadJSON: req.PayloadJSON,
		Actor:       r.Header.Get(headerCallerID),
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, res, nil
}

type verifyPODRequest struct {
	Code string `json:"code"`
}

func (a *ShipmentsAPI) verifyPOD(r *http.Request, body []byte) (int, any, error) {
	podID := chi.URLParam(r, "podID")
	var req verifyPODRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, invalidJSON(err)
	}
	res, err := a.svc.VerifyPOD(r.Context(), podID, req.Code, r.Header.Get(headerCallerID))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

func (a *ShipmentsAPI) getShipments(w http.ResponseWriter, r *http.Request) {
	raw := strings.Split(r.URL.Query().Get("ids"), ",")
	ids := make([]uint64, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", "ids must be a comma-separated list of numbers")
			return
		}
		ids = append(ids, id)
	}

	shs, err := a.svc.GetShipmentsByIDs(r.Context(), ids)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respond(w, http.StatusOK, map[string]any{"shipments": toShipmentDTOs(shs)})
}

func (a *ShipmentsAPI) getShipment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	shs, err := a.svc.GetShipmentsByIDs(r.Context(), []uint64{id})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if len(shs) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "shipment not found")
		return
	}
	a.respond(w, http.StatusOK, toShipmentDTO(shs[0]))
}

func (a *ShipmentsAPI) getByTrackingNumber(w http.ResponseWriter, r *http.Request) {
	sh, err := a.svc.GetShipmentByTrackingNumber(r.Context(), chi.URLParam(r, "trackingNumber"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respond(w, http.StatusOK, toShipmentDTO(sh))
}

func (a *ShipmentsAPI) listScanEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	evs, err := a.svc.ListScanEvents(r.Context(), id, limit, offset)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respond(w, http.StatusOK, map[string]any{"events": toScanEventDTOs(evs)})
}

func (a *ShipmentsAPI) getSLA(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	ev, err := a.svc.EvaluateSLA(r.Context(), id, time.Now().UTC())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respond(w, http.StatusOK, ev)
}

func (a *ShipmentsAPI) respond(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "encode response")
		return
	}
	writeJSON(w, status, b)
}

func (a *ShipmentsAPI) writeServiceError(w http.ResponseWriter, err error) {
	status, kind := mapError(err)
	writeError(w, status, kind, err.Error())
}

func pathID(r *http.Request, name string) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		return 0, invalidf("%s must be a positive number", name)
	}
	return id, nil
}
