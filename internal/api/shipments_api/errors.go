package shipments_api

import (
	"encoding/json"
	"net/http"

	"github.com/BearBump/ShipBox/internal/idempotency"
	"github.com/BearBump/ShipBox/internal/lifecycle"
	"github.com/BearBump/ShipBox/internal/services/shipments"
	"github.com/BearBump/ShipBox/internal/storage/pgshipment"
	"github.com/pkg/errors"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// mapError переводит ошибку доменного слоя в (HTTP-статус, машинный kind).
// Всё, что не опознано — транзиентный сбой: 503 и клиент ретраит.
func mapError(err error) (int, string) {
	cause := errors.Cause(err)
	switch {
	case errors.Is(cause, shipments.ErrInvalidInput):
		return http.StatusBadRequest, "validation"
	case errors.Is(cause, idempotency.ErrMissingKey):
		return http.StatusBadRequest, "missing_idempotency_key"
	case errors.Is(cause, idempotency.ErrKeyConflict):
		return http.StatusConflict, "idempotency_key_conflict"
	case errors.Is(cause, idempotency.ErrInFlight):
		return http.StatusConflict, "duplicate_in_flight"
	case errors.Is(cause, pgshipment.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(cause, shipments.ErrUnknownEventType):
		return http.StatusUnprocessableEntity, "unknown_event_type"
	case errors.Is(cause, lifecycle.ErrUnknownStatus):
		return http.StatusUnprocessableEntity, "unknown_status"
	case errors.Is(cause, lifecycle.ErrIllegalTransition):
		return http.StatusUnprocessableEntity, "illegal_transition"
	case errors.Is(cause, lifecycle.ErrTerminalState):
		return http.StatusUnprocessableEntity, "terminal_state"
	case errors.Is(cause, shipments.ErrBadPODCode):
		return http.StatusUnprocessableEntity, "bad_pod_code"
	case errors.Is(cause, shipments.ErrPODAlreadyVerified):
		return http.StatusUnprocessableEntity, "pod_already_verified"
	case errors.Is(cause, shipments.ErrShipmentNotFound), errors.Is(cause, shipments.ErrPODNotFound):
		return http.StatusNotFound, "not_found"
	}
	return http.StatusServiceUnavailable, "unavailable"
}

func invalidJSON(err error) error {
	return errors.Wrap(shipments.ErrInvalidInput, err.Error())
}

func invalidf(format string, args ...any) error {
	return errors.Wrapf(shipments.ErrInvalidInput, format, args...)
}

func errJSON(kind, message string) []byte {
	b, _ := json.Marshal(errorBody{Error: errorDetail{Kind: kind, Message: message}})
	return b
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errJSON(kind, message))
}
