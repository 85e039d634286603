/*
wildcam-power - Power management for the WildCAM solar field camera
Copyright (C) 2025, The WildCAM Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package server exposes power status over HTTP for bench debugging
// and local scraping. Disabled in the field, the radio costs more
// than it is worth.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/thewriterben/wildcam-power/internal/telemetry"
)

// StatusSource is implemented by the orchestrator.
type StatusSource interface {
	Snapshot() telemetry.Snapshot
	Healthy() bool
}

type Server struct {
	source StatusSource
}

// New builds the HTTP server. Run it with ListenAndServe and tear it
// down with Shutdown like any http.Server.
func New(port int, source StatusSource) *http.Server {
	s := &Server{source: source}
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.registerRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
