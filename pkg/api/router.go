package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"lecture-assistant/pkg/logging"
)

// NewRouter wires every endpoint behind the request logger.
func NewRouter(h *Handlers, log logrus.FieldLogger) *mux.Router {
	router := mux.NewRouter()
	router.Use(logging.RequestLogger(logging.OrDiscard(log)))
	router.Use(corsMiddleware)

	router.HandleFunc("/", h.RootHandler).Methods(http.MethodGet)
	router.HandleFunc("/upload", h.UploadHandler).Methods(http.MethodPost)
	router.HandleFunc("/sessions", h.SessionsHandler).Methods(http.MethodGet)
	router.HandleFunc("/processing-status", h.ProcessingStatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{id}", h.GetJobHandler).Methods(http.MethodGet)
	router.HandleFunc("/lectures", h.LecturesHandler).Methods(http.MethodGet)
	router.HandleFunc("/rag-query", h.RAGQueryHandler).Methods(http.MethodPost)
	router.HandleFunc("/clear-data", h.ClearDataHandler).Methods(http.MethodDelete)
	router.HandleFunc("/ws", h.WebSocketHandler)
	router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return router
}

// corsMiddleware allows any origin, as the browser frontend is served separately.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		next.ServeHTTP(w, r)
	})
}
