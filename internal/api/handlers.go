package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/service"
)

// Path symbols use "-" in place of "/": /tickers/BTC-USD is BTC/USD.
func pathSymbol(r *http.Request) market.Symbol {
	return market.Symbol(strings.ReplaceAll(mux.Vars(r)["symbol"], "-", "/"))
}

type errorBody struct {
	Error string `json:"error"`
}

type okBody struct {
	OK bool `json:"ok"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, service.ErrBadRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health())
}

func (s *Server) handleAllTickers(w http.ResponseWriter, r *http.Request) {
	tickers := s.svc.GetAllTickers()
	if tickers == nil {
		tickers = []market.Ticker{}
	}
	writeJSON(w, http.StatusOK, tickers)
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	tk, err := s.svc.GetTicker(pathSymbol(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tk)
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.svc.GetOrderBook(pathSymbol(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

type subscribeRequest struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Depth   int    `json:"depth"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	if err := s.svc.Subscribe(market.Channel(req.Channel), market.Symbol(req.Symbol), req.Depth); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	if err := s.svc.Unsubscribe(market.Channel(req.Channel), market.Symbol(req.Symbol)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	q := market.CandleQuery{
		Symbol:    pathSymbol(r),
		Timeframe: market.Timeframe(r.URL.Query().Get("timeframe")),
	}
	var err error
	if q.From, err = parseUnixParam(r, "from"); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if q.To, err = parseUnixParam(r, "to"); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
	}

	candles, err := s.svc.GetHistorical(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if candles == nil {
		candles = []market.Candle{}
	}
	writeJSON(w, http.StatusOK, candles)
}

type backfillRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	From      int64  `json:"from"` // unix seconds
	To        int64  `json:"to"`   // unix seconds, optional
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	tf, err := market.ParseTimeframe(req.Timeframe)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if req.From <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "from is required"})
		return
	}
	var to time.Time
	if req.To > 0 {
		to = time.Unix(req.To, 0).UTC()
	}

	// Upstream failures surface as success:false, not as HTTP errors.
	result := s.svc.StartBackfill(r.Context(),
		market.Symbol(strings.ReplaceAll(req.Symbol, "-", "/")), tf,
		time.Unix(req.From, 0).UTC(), to)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func parseUnixParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, errors.New("invalid " + name + ": expected unix seconds")
	}
	return time.Unix(secs, 0).UTC(), nil
}
