// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/matrixwatcher/agent/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server exposes the health document over HTTP.
type Server struct {
	monitor *Monitor
	srv     *http.Server
}

// NewServer builds the HTTP server on the given port (default 8080 when 0).
func NewServer(monitor *Monitor, port int) *Server {
	if port == 0 {
		port = 8080
	}
	s := &Server{monitor: monitor}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/sensor/{name}", s.handleSensor).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		log.Infof("health: listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("health: server stopped: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Degraded still answers 200: load balancers should not pull an agent
	// that is partially collecting.
	writeJSON(w, http.StatusOK, s.monitor.Snapshot())
}

func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	view, ok := s.monitor.Sensor(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown sensor: " + name})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("health: encode response: %v", err)
	}
}
