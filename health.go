package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthServer exposes liveness and diagnostic endpoints for hosting
// platforms and operators.
type HealthServer struct {
	bot    *RecruitBot
	server *http.Server
}

type statusResponse struct {
	UptimeSeconds    int64                 `json:"uptimeSeconds"`
	MonitoredThreads []ThreadStatus        `json:"monitoredThreads"`
	QueuedEvents     int                   `json:"queuedEvents"`
	LogOutcomes      map[string]LogOutcome `json:"logOutcomes"`
	DailyLimit       DailyLimitStatus      `json:"dailyLimit"`
}

func NewHealthServer(bot *RecruitBot, port int) *HealthServer {
	h := &HealthServer{bot: bot}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/status", h.handleStatus)

	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return h
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (h *HealthServer) Start(ctx context.Context) {
	go func() {
		log.Info().Str("addr", h.server.Addr).Msg("Health server listening")
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Health server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Health server shutdown error")
		}
	}()
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ok, up %s\n", time.Since(h.bot.startedAt).Round(time.Second))
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds:    int64(time.Since(h.bot.startedAt).Seconds()),
		MonitoredThreads: h.bot.MonitoredThreads(),
		QueuedEvents:     h.bot.events.queue.Len(),
		LogOutcomes:      h.bot.events.Outcomes(),
		DailyLimit:       h.bot.events.LimitStatus(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Debug().Err(err).Msg("Could not encode status response")
	}
}
