// Package httpapi is a thin JSON-over-HTTP ingress alongside the
// WebSocket gateway: trade placement/cancellation, a user's balances/
// orders, and a market listing. It never owns storage — every handler
// either forwards to the engine or reads straight off an external
// snapshot provider. Built on github.com/gorilla/mux.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"fenrir/internal/domain"
	"fenrir/internal/persistence"
	"fenrir/internal/wsapi"
)

// Server wires the engine and the persistence store (read here only for
// balance snapshots) behind a gorilla/mux router. It does not itself own
// any durable state.
type Server struct {
	engine         wsapi.EngineSubmitter
	store          persistence.Adapter
	commandTimeout time.Duration
	markets        map[string]domain.Market
}

// NewServer constructs the HTTP ingress. markets is the static market
// configuration the engine was started with, served by the /api/info
// listing.
func NewServer(engine wsapi.EngineSubmitter, store persistence.Adapter, markets []domain.Market, commandTimeout time.Duration) *Server {
	byID := make(map[string]domain.Market, len(markets))
	for _, m := range markets {
		byID[m.MarketID] = m
	}
	return &Server{engine: engine, store: store, commandTimeout: commandTimeout, markets: byID}
}

// Router builds the mux.Router exposing this server's handlers.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/info", s.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/trade", s.handlePlaceOrder).Methods(http.MethodPost)
	r.HandleFunc("/api/trade/{order_id}", s.handleCancelOrder).Methods(http.MethodDelete)
	r.HandleFunc("/api/user/{user}/balance/{token}", s.handleUserBalance).Methods(http.MethodGet)
	r.HandleFunc("/api/user/{user}/orders", s.handleCancelAll).Methods(http.MethodDelete)
	return r
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	markets := make([]domain.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, m)
	}
	writeJSON(w, http.StatusOK, markets)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req wsapi.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEngineError(w, domain.NewEngineError(domain.CodeInvalidSize, "malformed request body: %v", err))
		return
	}
	order, verr := req.ToDomain()
	if verr != nil {
		writeEngineError(w, verr)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()
	reply, err := s.engine.Submit(ctx, domain.NewPlaceOrder(order))
	if err != nil {
		writeEngineError(w, asEngineError(err))
		return
	}
	if reply.Err != nil {
		writeEngineError(w, reply.Err)
		return
	}
	writeJSON(w, http.StatusOK, reply.PlaceOrder)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	user := r.URL.Query().Get("user")

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()
	reply, err := s.engine.Submit(ctx, domain.NewCancelOrder(orderID, user))
	if err != nil {
		writeEngineError(w, asEngineError(err))
		return
	}
	if reply.Err != nil {
		writeEngineError(w, reply.Err)
		return
	}
	writeJSON(w, http.StatusOK, reply.Cancel)
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	marketID := r.URL.Query().Get("market_id")

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()
	reply, err := s.engine.Submit(ctx, domain.NewCancelAll(user, marketID))
	if err != nil {
		writeEngineError(w, asEngineError(err))
		return
	}
	if reply.Err != nil {
		writeEngineError(w, reply.Err)
		return
	}
	writeJSON(w, http.StatusOK, reply.CancelAll)
}

// handleUserBalance is a direct snapshot read off the store, outside the
// engine's command queue — concurrent reads of the external store
// alongside the engine's serialized writes are permitted.
func (s *Server) handleUserBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		writeEngineError(w, domain.NewEngineError(domain.CodeDatabaseError, "%v", err))
		return
	}
	defer s.store.Rollback(ctx, tx)

	balance, err := s.store.GetBalance(ctx, tx, vars["user"], vars["token"])
	if err != nil {
		writeEngineError(w, domain.NewEngineError(domain.CodeDatabaseError, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func asEngineError(err error) *domain.EngineError {
	if ee, ok := err.(*domain.EngineError); ok {
		return ee
	}
	return domain.NewEngineError(domain.CodeEngineReceiveFailed, "%v", err)
}

func writeEngineError(w http.ResponseWriter, err *domain.EngineError) {
	writeJSON(w, err.HTTPStatus(), map[string]string{"code": string(err.Code), "message": err.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("httpapi: failed to encode response")
	}
}
