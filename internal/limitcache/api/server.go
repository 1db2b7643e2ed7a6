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

// Package api implements the public-facing HTTP server for the daily
// spending limit service. It handles incoming requests, delegates to the
// limit engine and sync worker, and returns JSON responses.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Nafiya/limitcache/internal/limitcache/engine"
	"github.com/Nafiya/limitcache/internal/limitcache/record"
	"github.com/Nafiya/limitcache/internal/limitcache/syncworker"
)

// Server is the HTTP front end over the engine and sync worker.
type Server struct {
	eng    *engine.Engine
	worker *syncworker.Worker
	log    *zap.Logger
}

// NewServer wires a new API server.
func NewServer(eng *engine.Engine, worker *syncworker.Worker, log *zap.Logger) *Server {
	return &Server{eng: eng, worker: worker, log: log}
}

// RegisterRoutes attaches every handler to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/consume", s.handleConsume)
	mux.HandleFunc("/limits/consume/batch", s.handleConsumeBatch)
	mux.HandleFunc("/limits/today", s.handleToday)
	mux.HandleFunc("/limits/low", s.handleLowLimits)
	mux.HandleFunc("/limits/", s.handleLimitsPath)
	mux.HandleFunc("/cache/warm", s.handleCacheWarm)
	mux.HandleFunc("/cache/clear", s.handleCacheClear)
	mux.HandleFunc("/cache/stats", s.handleCacheStats)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/sync/stats", s.handleSyncStats)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/admin/seed", s.handleSeed)
	mux.HandleFunc("/status", s.handleStatus)
}

// ListenAndServe starts the HTTP server on addr. It includes the teacher's
// timeout posture so a slow client can never hold a connection open
// indefinitely.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Info("limitcache API server listening", zap.String("addr", addr))
	return httpServer.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

// consumeRequestBody is the wire shape of a single consume call.
type consumeRequestBody struct {
	Date          string `json:"date"`
	Amount        int64  `json:"amount"`
	ForceDirect   bool   `json:"force_direct"`
	TransactionID string `json:"transactionId"`
}

func (s *Server) decodeConsumeRequest(body consumeRequestBody) (engine.ConsumeRequest, error) {
	date, err := parseDate(body.Date)
	if err != nil {
		return engine.ConsumeRequest{}, err
	}
	return engine.ConsumeRequest{Date: date, Amount: body.Amount, ForceDirect: body.ForceDirect, TransactionID: body.TransactionID}, nil
}

func consumeResponseBody(resp engine.ConsumeResponse) map[string]interface{} {
	return map[string]interface{}{
		"success":         resp.Success,
		"transactionId":   resp.TransactionID,
		"remaining_after": resp.RemainingAfter,
		"source":          string(resp.Source),
		"message":         resp.Message,
		"latency_ms":      float64(resp.Latency.Microseconds()) / 1000.0,
	}
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body consumeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := s.decodeConsumeRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
		return
	}

	resp := s.eng.Consume(r.Context(), req)
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusConflict
		if resp.Message == "Date not found" {
			status = http.StatusNotFound
		} else if strings.HasPrefix(resp.Message, "Error:") {
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, consumeResponseBody(resp))
}

func (s *Server) handleConsumeBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var bodies []consumeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&bodies); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reqs := make([]engine.ConsumeRequest, 0, len(bodies))
	for _, b := range bodies {
		req, err := s.decodeConsumeRequest(b)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
			return
		}
		reqs = append(reqs, req)
	}

	batch := s.eng.ConsumeBatch(r.Context(), reqs)
	responses := make([]map[string]interface{}, len(batch.Responses))
	for i, resp := range batch.Responses {
		responses[i] = consumeResponseBody(resp)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_requests": batch.TotalRequests,
		"success_count":  batch.SuccessCount,
		"failed_count":   batch.FailedCount,
		"responses":      responses,
	})
}

func limitViewBody(v engine.LimitView) map[string]interface{} {
	return map[string]interface{}{
		"date":              v.Date.Format("2006-01-02"),
		"initial_limit":     v.InitialLimit,
		"remaining":         v.Remaining,
		"consumed":          v.Consumed,
		"transaction_count": v.TransactionCount,
		"version":           v.Version,
		"source":            string(v.Source),
	}
}

func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	view, err := s.eng.GetLimit(r.Context(), time.Now().UTC().Truncate(24*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "no limit configured for today")
		return
	}
	writeJSON(w, http.StatusOK, limitViewBody(*view))
}

// handleLimitsPath dispatches /limits/{year}/{month} and
// /limits/{year}/{month}/{day}.
func (s *Server) handleLimitsPath(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/limits/"), "/")
	if len(parts) < 2 {
		writeError(w, http.StatusBadRequest, "expected /limits/{year}/{month}[/{day}]")
		return
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid year")
		return
	}
	monthNum, err := strconv.Atoi(parts[1])
	if err != nil || monthNum < 1 || monthNum > 12 {
		writeError(w, http.StatusBadRequest, "invalid month")
		return
	}
	month := time.Month(monthNum)

	if len(parts) == 3 && parts[2] != "" {
		day, err := strconv.Atoi(parts[2])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid day")
			return
		}
		date := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		view, err := s.eng.GetLimit(r.Context(), date)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if view == nil {
			writeError(w, http.StatusNotFound, "date not found")
			return
		}
		writeJSON(w, http.StatusOK, limitViewBody(*view))
		return
	}

	views, err := s.eng.GetMonth(r.Context(), year, month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]interface{}, len(views))
	var totalRemaining int64
	for i, v := range views {
		out[i] = limitViewBody(v)
		totalRemaining += v.Remaining
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"year":            year,
		"month":           int(month),
		"days":            out,
		"total_remaining": totalRemaining,
	})
}

func (s *Server) handleLowLimits(w http.ResponseWriter, r *http.Request) {
	threshold := 0.1
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid threshold")
			return
		}
		threshold = parsed
	}
	rows, err := s.eng.RecordStore().FindLowLimits(r.Context(), threshold)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		out[i] = map[string]interface{}{
			"date":          row.DayDate.Format("2006-01-02"),
			"initial_limit": row.InitialLimit,
			"remaining":     row.Remaining,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threshold": threshold, "dates": out})
}

func (s *Server) handleCacheWarm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	yearRaw := r.URL.Query().Get("year")
	monthRaw := r.URL.Query().Get("month")
	if yearRaw == "" && monthRaw == "" {
		if err := s.eng.WarmCurrentMonth(r.Context(), time.Now().UTC()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "warmed"})
		return
	}

	year, err := strconv.Atoi(yearRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid year")
		return
	}
	monthNum, err := strconv.Atoi(monthRaw)
	if err != nil || monthNum < 1 || monthNum > 12 {
		writeError(w, http.StatusBadRequest, "invalid month")
		return
	}
	if err := s.eng.WarmMonth(r.Context(), year, time.Month(monthNum)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "warmed"})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.eng.FastStore().ClearAll(r.Context(), s.eng.Config().KeyPrefix); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	info, err := s.eng.FastStore().ServerStats(r.Context(), "stats")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dirty_keys": s.eng.DirtySet().Size(),
		"redis_info": info,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	result := s.worker.Trigger(r.Context(), record.SyncManual)
	if result.Skipped {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "sync already in progress"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"synced":      result.Synced,
		"failed":      result.Failed,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

func (s *Server) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-time.Hour)
	stats, err := s.eng.RecordStore().SyncStatsSince(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_syncs_last_hour":          stats.TotalSuccessful,
		"avg_duration_ms":                stats.AvgDurationMs,
		"total_records_synced_last_hour": stats.TotalRecords,
		"pending_keys":                   s.worker.PendingKeys(),
		"consecutive_failures":           s.worker.ConsecutiveFailures(),
	})
}

// handleReset backs `POST /reset?year=&month=&initial_limit=&load_test=`,
// rewriting every day of the month to initial_limit (default 100000) in
// both stores. load_test=true uses ResetForLoadTest's effectively-unbounded
// limit instead, ignoring initial_limit.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid year")
		return
	}
	month, err := strconv.Atoi(r.URL.Query().Get("month"))
	if err != nil || month < 1 || month > 12 {
		writeError(w, http.StatusBadRequest, "invalid month")
		return
	}

	loadTest, _ := strconv.ParseBool(r.URL.Query().Get("load_test"))

	initialLimit := int64(100000)
	if raw := r.URL.Query().Get("initial_limit"); raw != "" {
		initialLimit, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid initial_limit")
			return
		}
	}

	if loadTest {
		err = s.eng.ResetForLoadTest(r.Context(), year, time.Month(month))
	} else {
		err = s.eng.Reset(r.Context(), year, time.Month(month), initialLimit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type seedRequestBody struct {
	Date         string `json:"date"`
	InitialLimit int64  `json:"initial_limit"`
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body seedRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	date, err := parseDate(body.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
		return
	}
	if body.InitialLimit < 0 {
		writeError(w, http.StatusBadRequest, "initial_limit must be non-negative")
		return
	}
	if err := s.eng.Seed(r.Context(), date, body.InitialLimit); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "seeded"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cacheEnabled":         s.eng.Config().CacheEnabled,
		"syncHealthy":          s.worker.Healthy(),
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
		"dirty_keys":           s.eng.DirtySet().Size(),
		"consecutive_failures": s.worker.ConsecutiveFailures(),
	})
}
