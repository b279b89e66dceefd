package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/workano/ai-audio-relay/pkg/metrics"
)

type statusHandler interface {
	HandleStatus(w http.ResponseWriter, r *http.Request)
	HandleHealth(w http.ResponseWriter, r *http.Request)
}

func newAdminRouter(s statusHandler, g prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.HandleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler(g)).Methods(http.MethodGet)
	return router
}
