// Package server exposes the memory engine over a small HTTP API and manages
// the server's lifecycle.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/engine"
	"github.com/engramlabs/engram/pkg/types"
)

// securityHeaders adds baseline security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects requests beyond the configured sustained rate.
func rateLimit(next http.Handler, limiter *rate.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth enforces a bearer token on the API prefix. An empty key
// disables auth, which is the intended setup for localhost-only use.
func requireAuth(next http.Handler, apiKey string) http.Handler {
	if apiKey == "" {
		return next
	}
	want := "Bearer " + apiKey
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds the listener, serves in the background, and shuts down
// gracefully when ctx is canceled. The returned address reflects the actual
// port, which matters when the config asks for port 0.
func Start(ctx context.Context, cfg *config.Config, eng *engine.Engine) (string, error) {
	h := &handler{engine: eng}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/turns", h.recordTurn)
	apiMux.HandleFunc("POST /api/sessions/{id}/end", h.endSession)
	apiMux.HandleFunc("POST /api/context", h.buildContext)
	apiMux.HandleFunc("POST /api/memories", h.addMemory)
	apiMux.HandleFunc("GET /api/graph/path", h.findPath)
	apiMux.HandleFunc("POST /api/consolidate", h.consolidate)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.Handle("/api/", requireAuth(apiMux, cfg.Server.APIKey))

	limiter := rate.NewLimiter(rate.Limit(cfg.Server.Rate), cfg.Server.Burst)
	root := securityHeaders(rateLimit(mux, limiter))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("server: listen %s: %w", addr, err)
	}
	actual := listener.Addr().String()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown: %v", err)
		}
	}()

	log.Printf("server: listening on %s", actual)
	return actual, nil
}

type handler struct {
	engine *engine.Engine
}

type turnRequest struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

func (h *handler) recordTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.Content == "" {
		http.Error(w, "session_id and content are required", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}
	if err := h.engine.RecordTurn(r.Context(), req.SessionID, req.Role, req.Content); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func (h *handler) endSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}
	if err := h.engine.EndSession(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

type contextRequest struct {
	Query  string              `json:"query"`
	Budget types.ContextBudget `json:"budget"`
}

type contextResponse struct {
	Context string `json:"context"`
}

func (h *handler) buildContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	out, err := h.engine.BuildContext(r.Context(), req.Query, req.Budget)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, contextResponse{Context: out})
}

type memoryRequest struct {
	Content    string  `json:"content"`
	Type       string  `json:"type"`
	Importance float64 `json:"importance"`
}

func (h *handler) addMemory(w http.ResponseWriter, r *http.Request) {
	var req memoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	id, err := h.engine.LongTerm().Add(r.Context(), req.Content, types.MemoryType(req.Type), req.Importance)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handler) findPath(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		http.Error(w, "from and to are required", http.StatusBadRequest)
		return
	}
	path, err := h.engine.Graph().FindPath(r.Context(), from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "connected": path != nil})
}

func (h *handler) consolidate(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Consolidate(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}
