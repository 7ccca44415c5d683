/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package controlapi exposes the phone to a local UI over HTTP.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/tejzpr/agentphone/calling"
	"github.com/tejzpr/agentphone/phonesdk"
)

// Phone is the command surface served. *calling.Phone implements it.
type Phone interface {
	Snapshot() calling.Snapshot
	Elapsed() time.Duration
	ConnectConference(ctx context.Context) error
	DisconnectConference(ctx context.Context) error
	Dial(ctx context.Context, number string) (string, error)
	EndCall(ctx context.Context) error
	Hold(ctx context.Context) error
	Resume(ctx context.Context) error
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	SendDTMF(ctx context.Context, digits string) error
	InitiateWarmTransfer(ctx context.Context, number string) (string, error)
	CompleteWarmTransfer(ctx context.Context) error
	CancelWarmTransfer(ctx context.Context) error
	BlindTransfer(ctx context.Context, number string) error
	AcceptOffer(ctx context.Context) error
	DeclineOffer() error
}

// Config holds the server configuration
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default server configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:8055",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server serves the control API
type Server struct {
	phone  Phone
	config *Config
	logger *zerolog.Logger
	router *mux.Router
	srv    *http.Server
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	calling.Snapshot
	Elapsed string `json:"elapsed"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type numberRequest struct {
	Number string `json:"number"`
}

type digitsRequest struct {
	Digits string `json:"digits"`
}

type callResponse struct {
	CallID string `json:"callId"`
}

// NewServer creates a control API server for phone.
func NewServer(phone Phone, config *Config, logger *zerolog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &Server{phone: phone, config: config, logger: logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)

	api.HandleFunc("/conference/connect", s.command(s.phone.ConnectConference)).Methods(http.MethodPost)
	api.HandleFunc("/conference/disconnect", s.command(s.phone.DisconnectConference)).Methods(http.MethodPost)

	api.HandleFunc("/calls", s.handleDial).Methods(http.MethodPost)
	api.HandleFunc("/calls/end", s.command(s.phone.EndCall)).Methods(http.MethodPost)
	api.HandleFunc("/calls/hold", s.command(s.phone.Hold)).Methods(http.MethodPost)
	api.HandleFunc("/calls/resume", s.command(s.phone.Resume)).Methods(http.MethodPost)
	api.HandleFunc("/calls/mute", s.command(s.phone.Mute)).Methods(http.MethodPost)
	api.HandleFunc("/calls/unmute", s.command(s.phone.Unmute)).Methods(http.MethodPost)
	api.HandleFunc("/calls/dtmf", s.handleDTMF).Methods(http.MethodPost)

	api.HandleFunc("/transfer", s.handleWarmTransfer).Methods(http.MethodPost)
	api.HandleFunc("/transfer/complete", s.command(s.phone.CompleteWarmTransfer)).Methods(http.MethodPost)
	api.HandleFunc("/transfer/cancel", s.command(s.phone.CancelWarmTransfer)).Methods(http.MethodPost)
	api.HandleFunc("/transfer/blind", s.handleBlindTransfer).Methods(http.MethodPost)

	api.HandleFunc("/offer/accept", s.command(s.phone.AcceptOffer)).Methods(http.MethodPost)
	api.HandleFunc("/offer/decline", s.command(func(context.Context) error { return s.phone.DeclineOffer() })).Methods(http.MethodPost)
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.srv = &http.Server{
		Handler:      s.router,
		Addr:         s.config.Addr,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info().Str("addr", s.config.Addr).Msg("control API listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("control request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StateResponse{
		Snapshot: s.phone.Snapshot(),
		Elapsed:  calling.FormatDuration(s.phone.Elapsed()),
	})
}

// command adapts a no-argument phone command to a handler that answers
// with the resulting state.
func (s *Server) command(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.handleState(w, r)
	}
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req numberRequest
	if !decode(w, r, &req) {
		return
	}
	callID, err := s.phone.Dial(r.Context(), req.Number)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, callResponse{CallID: callID})
}

func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req digitsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.phone.SendDTMF(r.Context(), req.Digits); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWarmTransfer(w http.ResponseWriter, r *http.Request) {
	var req numberRequest
	if !decode(w, r, &req) {
		return
	}
	callID, err := s.phone.InitiateWarmTransfer(r.Context(), req.Number)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, callResponse{CallID: callID})
}

func (s *Server) handleBlindTransfer(w http.ResponseWriter, r *http.Request) {
	var req numberRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.phone.BlindTransfer(r.Context(), req.Number); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleState(w, r)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Kind: "request"})
		return false
	}
	return true
}

// classify maps an error onto a status code and kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, calling.ErrMicrophoneUnavailable):
		return http.StatusServiceUnavailable, "device"
	case errors.Is(err, calling.ErrStale):
		return http.StatusConflict, "stale"
	case errors.Is(err, calling.ErrInvalidNumber), errors.Is(err, calling.ErrInvalidDigits):
		return http.StatusBadRequest, "domain"
	case calling.IsDomainError(err):
		return http.StatusConflict, "domain"
	case phonesdk.IsTransportError(err):
		return http.StatusBadGateway, "transport"
	case phonesdk.IsProtocolError(err):
		return http.StatusBadGateway, "protocol"
	}
	var apiErr *phonesdk.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway, "provider"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	event := s.logger.Info()
	if status >= http.StatusInternalServerError {
		event = s.logger.Warn()
	}
	event.Err(err).Str("path", r.URL.Path).Str("kind", kind).Msg("command failed")
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
