package models

import "time"

// CycleSnapshot - неизменяемый снимок состояния на конец цикла
//
// Единственное представление состояния для внешних читателей (API, WS).
type CycleSnapshot struct {
	Pair          string               `json:"pair"`
	CycleID       string               `json:"cycle_id"`
	CycleNumber   uint64               `json:"cycle_number"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
	Price         float64              `json:"price"`
	Config        *GridConfiguration   `json:"config,omitempty"`
	Levels        []GridLevel          `json:"levels"`
	Positions     []Position           `json:"positions"`
	Detached      []DetachedOrder      `json:"detached,omitempty"`
	Risk          *RiskMetrics         `json:"risk,omitempty"`
	EmergencyStop *EmergencyStopRecord `json:"emergency_stop,omitempty"`
	Reinvested    float64              `json:"reinvested_total"`
	Extracted     float64              `json:"extracted_total"`
	Result        string               `json:"result"`
	Error         string               `json:"error,omitempty"`
}

// Итоги цикла
const (
	CycleResultOK        = "ok"
	CycleResultStopped   = "stopped"
	CycleResultError     = "error"
	CycleResultDeferred  = "deferred"
	CycleResultNoCapital = "no_capital"
)
