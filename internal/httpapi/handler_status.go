package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"voip-router/internal/esl"
	"voip-router/internal/registry"
)

// StatusReader is the read side of the event client.
type StatusReader interface {
	Status(extension, domain string) (registry.ExtensionStatus, bool)
	Statuses() []registry.ExtensionStatus
	ConnectionStatus() esl.ConnectionStatus
}

func ExtensionsHandler(status StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domain := r.URL.Query().Get("domain")
		state := r.URL.Query().Get("state")

		out := make([]registry.ExtensionStatus, 0)
		for _, st := range status.Statuses() {
			if domain != "" && st.Domain != domain {
				continue
			}
			if state != "" && string(st.State) != state {
				continue
			}
			out = append(out, st)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func ExtensionHandler(status StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ext := chi.URLParam(r, "ext")
		st, ok := status.Status(ext, r.URL.Query().Get("domain"))
		if !ok {
			writeError(w, http.StatusNotFound, "extension not known")
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func ConnectionHandler(status StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, status.ConnectionStatus())
	}
}
