package http

import (
	"fmt"
	"net/http"

	"github.com/wolfeidau/certgate/internal/identity"
)

// GreetingHandler responds to every request with the caller's identity.
func GreetingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity.FromContext(r.Context())
		if !ok {
			http.Error(w, "no authenticated identity", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Hello, %s!\n", id)
	})
}

// HealthHandler serves GET /healthz for load balancer probes on the plain
// HTTP health listener.
func HealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
