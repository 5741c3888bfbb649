/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package statsview

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// Server serves the Status process's JSON rendering of the shared arena,
// the same one-handler-on-"/" shape as ntp/responder/stats.JSONStats, over
// whatever address net.Listen resolves dynamic/0 to.
type Server struct {
	reader *Reader
}

// NewServer wraps reader for HTTP serving.
func NewServer(reader *Reader) *Server {
	return &Server{reader: reader}
}

func (s *Server) handleRequest(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.reader.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	js, err := json.Marshal(snap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("statsview: writing response: %v", err)
	}
}

// Start listens on service ("dynamic" picks an ephemeral port, matching
// -http-service=dynamic) and serves forever. It returns the address it
// bound to before blocking, so the caller can log it.
func (s *Server) Start(service string) (string, error) {
	addr := ":" + service
	if service == "" || service == "dynamic" {
		addr = ":0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("statsview: listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	bound := ln.Addr().String()
	go func() {
		if err := http.Serve(ln, mux); err != nil {
			log.Errorf("statsview: http server stopped: %v", err)
		}
	}()
	return bound, nil
}
