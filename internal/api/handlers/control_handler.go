package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"gridbot/internal/service"
)

// ControlHandler обрабатывает запросы панели управления ботом
//
// Endpoints:
// - GET /api/v1/status - состояние движка и снимок последнего цикла
// - GET /api/v1/risk - метрики риска
// - GET /api/v1/trades?limit=N - журнал аудита
// - POST /api/v1/emergency-stop - аварийная остановка
// - POST /api/v1/emergency-stop/reset - сброс остановки по токену
type ControlHandler struct {
	controlService service.ControlServiceInterface
}

// NewControlHandler создает новый ControlHandler с внедрением зависимостей.
func NewControlHandler(controlService service.ControlServiceInterface) *ControlHandler {
	return &ControlHandler{
		controlService: controlService,
	}
}

// emergencyStopRequest - тело POST /api/v1/emergency-stop
type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

// resetRequest - тело POST /api/v1/emergency-stop/reset
type resetRequest struct {
	ConfirmationToken string `json:"confirmation_token"`
}

// tradesResponse - ответ GET /api/v1/trades
type tradesResponse struct {
	Total   int         `json:"total"`
	Entries interface{} `json:"entries"`
}

// GetStatus возвращает состояние бота.
//
// GET /api/v1/status
//
// Response 200 OK:
//
//	{
//	  "pair": "BTC/USDT",
//	  "state": "NORMAL",
//	  "cycle_running": false,
//	  "snapshot": {"cycle_number": 42, "result": "ok", "price": 50000, ...}
//	}
func (h *ControlHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controlService.GetStatus())
}

// GetRisk возвращает последние метрики риска.
//
// GET /api/v1/risk
//
// Response 503 Service Unavailable - ни одного цикла еще не было.
func (h *ControlHandler) GetRisk(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.controlService.GetRiskMetrics()
	if err != nil {
		if errors.Is(err, service.ErrEngineNotReady) {
			writeError(w, http.StatusServiceUnavailable, "not_ready", "risk metrics not available yet", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "", "failed to get risk metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// GetTrades возвращает последние записи журнала аудита.
//
// GET /api/v1/trades?limit=50
func (h *ControlHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	entries, err := h.controlService.RecentTrades(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to get trade log", err)
		return
	}
	writeJSON(w, http.StatusOK, tradesResponse{Total: len(entries), Entries: entries})
}

// TriggerEmergencyStop останавливает торговлю.
//
// POST /api/v1/emergency-stop
//
// Request body (необязательно):
//
//	{"reason": "exchange maintenance"}
//
// Response 201 Created - остановка включена.
// Response 200 OK - остановка уже была активна, возвращается существующая запись.
func (h *ControlHandler) TriggerEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body", err)
		return
	}

	result, err := h.controlService.TriggerEmergencyStop(r.Context(), req.Reason)
	if err != nil {
		if errors.Is(err, service.ErrStopReasonTooLong) {
			writeError(w, http.StatusBadRequest, "reason_too_long", err.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "", "failed to trigger emergency stop", err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyActive {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// ResetEmergencyStop снимает аварийную остановку.
//
// POST /api/v1/emergency-stop/reset
//
// Request body:
//
//	{"confirmation_token": "CONFIRM_RESET_EMERGENCY_STOP"}
//
// Response 403 Forbidden - неверный токен.
// Response 409 Conflict - активной остановки нет.
func (h *ControlHandler) ResetEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body", err)
		return
	}

	rec, err := h.controlService.ResetEmergencyStop(r.Context(), req.ConfirmationToken)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidConfirmation):
			writeError(w, http.StatusForbidden, "invalid_confirmation", "invalid confirmation token", nil)
		case errors.Is(err, service.ErrNoActiveEmergencyStop):
			writeError(w, http.StatusConflict, "not_stopped", "no active emergency stop", nil)
		default:
			writeError(w, http.StatusInternalServerError, "", "failed to reset emergency stop", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{
		Message: "emergency stop reset, trading resumes",
		Data:    rec,
	})
}
