package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridbot/internal/api/handlers"
	"gridbot/internal/api/middleware"
	"gridbot/internal/service"
	"gridbot/internal/websocket"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	ControlService service.ControlServiceInterface
	Hub            *websocket.Hub
}

// SetupRoutes настраивает HTTP маршруты панели управления.
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── GET  /status - состояние движка и последний снимок цикла
//	├── GET  /risk - метрики риска
//	├── GET  /trades?limit=N - журнал аудита
//	├── POST /emergency-stop - аварийная остановка
//	└── POST /emergency-stop/reset - сброс по токену подтверждения
//
// /ws/stream - WebSocket со снимками циклов
// /metrics - Prometheus
// /health - liveness
//
// Middleware для всех маршрутов: Recovery, Logging, CORS.
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	if deps != nil && deps.ControlService != nil {
		controlHandler := handlers.NewControlHandler(deps.ControlService)

		api := router.PathPrefix("/api/v1").Subrouter()
		api.HandleFunc("/status", controlHandler.GetStatus).Methods("GET")
		api.HandleFunc("/risk", controlHandler.GetRisk).Methods("GET")
		api.HandleFunc("/trades", controlHandler.GetTrades).Methods("GET")
		api.HandleFunc("/emergency-stop", controlHandler.TriggerEmergencyStop).Methods("POST", "OPTIONS")
		api.HandleFunc("/emergency-stop/reset", controlHandler.ResetEmergencyStop).Methods("POST", "OPTIONS")
	}

	if deps != nil && deps.Hub != nil {
		router.HandleFunc("/ws/stream", deps.Hub.ServeWS).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
