// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api implements the operator HTTP surface of the like sync service:
// buffer increments, the pending view, on-demand flushes and health.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"likesync/internal/likesync/buffer"
	"likesync/internal/likesync/core"
	"likesync/internal/likesync/idempotency"
	"likesync/internal/likesync/lock"
)

// IdempotencyHeader carries the request id of an on-demand flush.
const IdempotencyHeader = "Idempotency-Key"

// Buffer is the part of *buffer.Buffer the API reads and writes.
type Buffer interface {
	Increment(ctx context.Context, member string, delta int64) error
	Pending(ctx context.Context) (map[string]int64, error)
	PendingTotal(ctx context.Context) (int64, error)
}

// FlushRunner runs a flush at most once per request id. *core.Trigger implements it.
type FlushRunner interface {
	Run(ctx context.Context, requestID string) (core.CycleReport, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Outcome string `json:"outcome,omitempty"`
}

// Server handles the operator requests.
type Server struct {
	buffer  Buffer
	flushes FlushRunner
	checks  map[string]HealthCheck
	log     *slog.Logger
}

// NewServer creates the API. checks are probed by /health, keyed by dependency name.
func NewServer(buf Buffer, flushes FlushRunner, checks map[string]HealthCheck, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{buffer: buf, flushes: flushes, checks: checks, log: log}
}

// NewEngine builds a gin engine with the routes registered. mode is debug or release.
func (s *Server) NewEngine(mode string) *gin.Engine {
	if mode == gin.DebugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the API routes on r.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", s.handleHealth)
	r.GET("/v1/buffer", s.handlePending)
	r.POST("/v1/likes/:member", s.handleIncrement)
	r.POST("/v1/flush", s.handleFlush)
}

func (s *Server) handleIncrement(c *gin.Context) {
	delta := int64(1)
	if raw := c.Query("delta"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_delta", Message: err.Error()})
			return
		}
		delta = v
	}
	member := c.Param("member")
	if err := s.buffer.Increment(c.Request.Context(), member, delta); err != nil {
		if errors.Is(err, buffer.ErrEmptyMember) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_member", Message: err.Error()})
			return
		}
		s.log.Error("[API] increment failed", "member", member, "error", err)
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "buffer_unavailable", Message: "failed to buffer like"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"member": member, "delta": delta})
}

func (s *Server) handlePending(c *gin.Context) {
	ctx := c.Request.Context()
	entries, err := s.buffer.Pending(ctx)
	if err != nil {
		s.log.Error("[API] reading pending buffer failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "buffer_unavailable", Message: err.Error()})
		return
	}
	total, err := s.buffer.PendingTotal(ctx)
	if err != nil {
		s.log.Error("[API] reading pending total failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "buffer_unavailable", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "members": len(entries), "total": total})
}

func (s *Server) handleFlush(c *gin.Context) {
	requestID := c.GetHeader(IdempotencyHeader)
	if requestID == "" {
		requestID = c.Query("request_id")
	}

	rep, err := s.flushes.Run(c.Request.Context(), requestID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, rep)
	case errors.Is(err, core.ErrMissingRequestID):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "missing_request_id", Message: "set the " + IdempotencyHeader + " header or request_id query"})
	case errors.Is(err, idempotency.ErrDuplicate):
		c.JSON(http.StatusConflict, errorResponse{Error: "duplicate_request", Message: err.Error(), Outcome: rep.Outcome})
	case errors.Is(err, lock.ErrNotAcquired):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "flush_in_progress", Message: err.Error(), Outcome: rep.Outcome})
	default:
		s.log.Error("[API] on-demand flush failed", "request_id", requestID, "outcome", rep.Outcome, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "flush_failed", Message: err.Error(), Outcome: rep.Outcome})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.log.Error("[API] health check failed", "dependency", name, "error", err)
			deps[name] = "unreachable"
			healthy = false
			continue
		}
		deps[name] = "ok"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "dependencies": deps})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "dependencies": deps})
}
