// Package ops exposes the operator HTTP surface: manual integrity checks
// and store inspection. It is a maintenance tool, not a market-data API;
// it binds to an operator-controlled address and carries no auth of its own.
package ops

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/MeakTsui/future-monitor/internal/integrity"
	"github.com/MeakTsui/future-monitor/internal/model"
	"github.com/MeakTsui/future-monitor/internal/store"
	"github.com/MeakTsui/future-monitor/internal/utils"
)

// Checker runs on-demand integrity checks. The integrity engine satisfies it.
type Checker interface {
	ManualCheck(ctx context.Context, symbol string) (integrity.Result, error)
}

// Server is the operator HTTP endpoint set.
type Server struct {
	store   *store.Store
	checker Checker
	httpSrv *http.Server
}

// NewServer builds the server and its routes.
func NewServer(listenAddr string, st *store.Store, checker Checker) *Server {
	s := &Server{store: st, checker: checker}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/symbols", s.handleSymbols).Methods(http.MethodGet)
	r.HandleFunc("/klines/{symbol}/latest", s.handleLatest).Methods(http.MethodGet)
	r.HandleFunc("/klines/{symbol}", s.handleRange).Methods(http.MethodGet)
	r.HandleFunc("/integrity/check/{symbol}", s.handleCheck).Methods(http.MethodPost)

	s.httpSrv = &http.Server{
		Addr:         listenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().
			Str("component", "ops").
			Str("addr", s.httpSrv.Addr).
			Msg("ops endpoints listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("component", "ops").Err(err).Msg("ops server failed")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSymbols(w http.ResponseWriter, _ *http.Request) {
	symbols := s.store.Symbols()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(symbols),
		"symbols": symbols,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.symbolParam(w, r)
	if !ok {
		return
	}

	candle, found := s.store.GetLatest(symbol)
	if !found {
		writeError(w, http.StatusNotFound, "no candles for symbol")
		return
	}
	writeJSON(w, http.StatusOK, candleDoc(candle))
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.symbolParam(w, r)
	if !ok {
		return
	}

	from, err := msParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be a unix-ms timestamp")
		return
	}
	to, err := msParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be a unix-ms timestamp")
		return
	}
	if to == 0 {
		to = time.Now().UnixMilli()
	}
	if from > to {
		writeError(w, http.StatusBadRequest, "from must not exceed to")
		return
	}

	candles := s.store.GetCandles(symbol, from, to)
	docs := make([]map[string]any, 0, len(candles))
	for _, c := range candles {
		docs = append(docs, candleDoc(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":  symbol,
		"count":   len(docs),
		"candles": docs,
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.symbolParam(w, r)
	if !ok {
		return
	}

	result, err := s.checker.ManualCheck(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, integrity.ErrSymbolInvalid) {
			writeError(w, http.StatusUnprocessableEntity, "symbol rejected by exchange")
			return
		}
		log.Warn().
			Str("component", "ops").
			Str("symbol", symbol).
			Err(err).
			Msg("manual check failed")
		writeError(w, http.StatusBadGateway, "check failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":     symbol,
		"repaired":   result.Repaired,
		"durationMs": result.Duration.Milliseconds(),
	})
}

// symbolParam extracts and validates the {symbol} path variable.
func (s *Server) symbolParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	symbol := mux.Vars(r)["symbol"]
	normalized := utils.NormalizeSymbols([]string{symbol})
	if len(normalized) == 0 || utils.ValidateSymbol(normalized[0]) != nil {
		writeError(w, http.StatusBadRequest, "invalid symbol")
		return "", false
	}
	return normalized[0], true
}

// candleDoc renders a candle with its symbol and wire-format fields.
func candleDoc(c model.Candle) map[string]any {
	return map[string]any{
		"symbol": c.Symbol,
		"t":      c.OpenTime,
		"o":      c.Open.String(),
		"h":      c.High.String(),
		"l":      c.Low.String(),
		"c":      c.Close.String(),
		"v":      c.Volume.String(),
		"q":      c.QuoteVolume.String(),
		"n":      c.TradeCount,
		"x":      c.Closed,
	}
}

func msParam(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, doc any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		log.Warn().Str("component", "ops").Err(err).Msg("response encoding failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
