package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dingclaw/pkg/channel"
	"dingclaw/pkg/provider"
)

const (
	defaultStatusHost  = "0.0.0.0"
	defaultStatusPort  = 18790
	statusShutdownWait = 5 * time.Second
)

// providerHealth is the outcome of the most recent provider health probe.
type providerHealth struct {
	lastOK  time.Time
	lastErr string
}

func (h providerHealth) healthy() bool {
	return !h.lastOK.IsZero() && h.lastErr == ""
}

type providerStatus struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	LastOKAt  string `json:"last_ok_at,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

type statusResponse struct {
	Status        string                    `json:"status"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Provider      providerStatus            `json:"provider"`
	Sessions      int                       `json:"sessions"`
	Channels      map[string]channel.Status `json:"channels"`
}

func (s *Service) statusAddr() string {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultStatusHost
	}
	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultStatusPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// serveStatus serves /healthz and /readyz until ctx is done. Only a failure
// to listen is reported on errCh.
func (s *Service) serveStatus(ctx context.Context, errCh chan<- error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeStatus(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.isReady() {
			s.writeStatus(w, http.StatusOK, "ready")
			return
		}
		s.writeStatus(w, http.StatusServiceUnavailable, "not_ready")
	})

	server := &http.Server{
		Addr:              s.statusAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), statusShutdownWait)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(s.currentStatus(status)); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := statusResponse{
		Status: status,
		Provider: providerStatus{
			Name:      provider.ID(s.cfg),
			Healthy:   s.health.healthy(),
			LastError: s.health.lastErr,
		},
		Channels: maps.Clone(s.channelStates),
	}
	if !s.startedAt.IsZero() {
		resp.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	}
	if !s.health.lastOK.IsZero() {
		resp.Provider.LastOKAt = s.health.lastOK.Format(time.RFC3339)
	}
	if s.manager != nil {
		resp.Sessions = s.manager.Len()
	}
	return resp
}

// isReady requires a healthy provider and at least one running channel.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.health.healthy() {
		return false
	}
	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}
	return false
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	err := s.provider.Health(ctx)

	s.mu.Lock()
	if err != nil {
		s.health.lastErr = err.Error()
	} else {
		s.health = providerHealth{lastOK: time.Now().UTC()}
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("provider health check failed: %w", err)
	}
	return nil
}

func (s *Service) applyChannelStatus(name string, update channel.StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = s.channelStates[name].Apply(update)
}
