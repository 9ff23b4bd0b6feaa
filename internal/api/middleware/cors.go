package middleware

import (
	"net/http"
	"os"
	"strings"
)

// Origins панели по умолчанию (dev-серверы фронтенда)
var defaultOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
	"http://localhost:5173",
	"http://localhost:8080",
}

var allowedOrigins = buildOriginSet(defaultOrigins, os.Getenv("CORS_ALLOWED_ORIGINS"))

// buildOriginSet объединяет defaults и список через запятую
func buildOriginSet(defaults []string, extra string) map[string]struct{} {
	set := make(map[string]struct{}, len(defaults))
	for _, o := range defaults {
		set[o] = struct{}{}
	}
	for _, o := range strings.Split(extra, ",") {
		if o = strings.TrimSpace(o); o != "" {
			set[o] = struct{}{}
		}
	}
	return set
}

// CORS выставляет заголовки Cross-Origin для панели управления.
//
// Известный Origin получает точное значение и credentials, запрос без
// Origin (curl, скрипты) получает "*", чужой Origin остается без
// заголовка и блокируется браузером. Preflight OPTIONS завершается здесь.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		origin := r.Header.Get("Origin")

		if origin == "" {
			h.Set("Access-Control-Allow-Origin", "*")
		} else if _, ok := allowedOrigins[origin]; ok {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}

		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+RequestIDHeader)
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
