package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"gridbot/pkg/utils"
)

// Recovery перехватывает panic в handler, пишет стек в лог и отвечает 500.
// Сервер продолжает обслуживать остальные запросы.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				utils.L().WithComponent("http").Error("panic in handler",
					utils.String("method", r.Method),
					utils.String("path", r.URL.Path),
					utils.String("panic", fmt.Sprint(rec)),
					utils.String("stack", string(debug.Stack())),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"internal server error"}`))
			}
		}()

		next.ServeHTTP(w, r)
	})
}
