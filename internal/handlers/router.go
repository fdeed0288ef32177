package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// NewRouter wires the file routes, /health and /metrics
func NewRouter(wh *WriteHandler, rh *ReadHandler, metricsHandler http.Handler, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(RequestLogger(logger))

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	// File operations with tracing
	uploads := router.PathPrefix("/uploads").Subrouter()
	uploads.Handle("/upload", otelhttp.NewHandler(wh, "POST /uploads/upload")).Methods(http.MethodPost)
	uploads.Handle("/files", otelhttp.NewHandler(http.HandlerFunc(rh.List), "GET /uploads/files")).Methods(http.MethodGet)
	uploads.Handle("/file/{filename}", otelhttp.NewHandler(http.HandlerFunc(rh.Get), "GET /uploads/file/{filename}")).Methods(http.MethodGet)
	uploads.Handle("/files/{filename}", otelhttp.NewHandler(http.HandlerFunc(rh.Get), "GET /uploads/files/{filename}")).Methods(http.MethodGet)
	uploads.Handle("/download/{filename}", otelhttp.NewHandler(http.HandlerFunc(rh.Download), "GET /uploads/download/{filename}")).Methods(http.MethodGet)
	uploads.Handle("/file/{filename}", otelhttp.NewHandler(http.HandlerFunc(rh.Delete), "DELETE /uploads/file/{filename}")).Methods(http.MethodDelete)

	return router
}
