// Package api exposes the exchange over REST and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/drachmadex/drachmadex/pkg/exchange"
)

// Server handles REST API and WebSocket connections.
type Server struct {
	engine *exchange.Engine
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger

	allowedOrigins []string
}

func NewServer(engine *exchange.Engine, allowedOrigins []string, log *zap.SugaredLogger) *Server {
	s := &Server{
		engine:         engine,
		router:         mux.NewRouter(),
		hub:            NewHub(log),
		log:            log,
		allowedOrigins: allowedOrigins,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the routed handler without the CORS wrapper, for embedding
// and tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Token registry
	api.HandleFunc("/tokens", s.handleGetTokens).Methods("GET")
	api.HandleFunc("/tokens", s.handleAddToken).Methods("POST")

	// Custodial balances
	api.HandleFunc("/accounts/{address}/balances/{symbol}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")

	// Orders and trades
	api.HandleFunc("/orders/limit", s.handleLimitOrder).Methods("POST")
	api.HandleFunc("/orders/market", s.handleMarketOrder).Methods("POST")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start serves until ctx is cancelled. It also runs the hub and the pump
// that pushes new trades from the feed to subscribed clients.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)
	go s.pumpTrades(ctx)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	srv := &http.Server{Addr: addr, Handler: c.Handler(s.router)}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	s.log.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// pumpTrades forwards trades executed after startup to WebSocket channels.
func (s *Server) pumpTrades(ctx context.Context) {
	feed := s.engine.Feed()
	for t := range feed.Subscribe(ctx, "", feed.Len()) {
		msg := WSTradeMessage{Type: "trade", Trade: tradeInfo(t)}
		s.hub.BroadcastToChannel("trades", msg)
		s.hub.BroadcastToChannel("trades:"+t.Symbol, msg)
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.engine.Tokens()
	response := make([]TokenInfo, len(tokens))
	for i, t := range tokens {
		response[i] = TokenInfo{Symbol: t.Symbol, Address: t.Address.Hex(), Tradable: t.Tradable}
	}
	respondJSON(w, response)
}

func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req AddTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid caller address", req.Caller)
		return
	}
	addr, ok := parseAddress(req.Address)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid token address", req.Address)
		return
	}
	if err := s.engine.AddToken(caller, req.Symbol, addr); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, TokenInfo{Symbol: req.Symbol, Address: addr.Hex(), Tradable: req.Symbol != s.engine.Quote()})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr, ok := parseAddress(vars["address"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", vars["address"])
		return
	}
	symbol := vars["symbol"]
	respondJSON(w, BalanceInfo{
		Trader:  addr.Hex(),
		Symbol:  symbol,
		Balance: s.engine.Balance(addr, symbol).Dec(),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.engine.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.engine.Withdraw)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, op func(common.Address, string, *uint256.Int) error) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	trader, ok := parseAddress(req.Trader)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid trader address", req.Trader)
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}
	if err := op(trader, req.Symbol, amount); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, BalanceInfo{
		Trader:  trader.Hex(),
		Symbol:  req.Symbol,
		Balance: s.engine.Balance(trader, req.Symbol).Dec(),
	})
}

func (s *Server) handleLimitOrder(w http.ResponseWriter, r *http.Request) {
	var req LimitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	trader, ok := parseAddress(req.Trader)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid trader address", req.Trader)
		return
	}
	side, ok := exchange.ParseSide(req.Side)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid side", req.Side)
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}
	price, ok := parseAmount(req.Price)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid price", req.Price)
		return
	}
	id, err := s.engine.CreateLimitOrder(trader, req.Symbol, amount, price, side)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, LimitOrderResponse{OrderID: id})
}

func (s *Server) handleMarketOrder(w http.ResponseWriter, r *http.Request) {
	var req MarketOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	trader, ok := parseAddress(req.Trader)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid trader address", req.Trader)
		return
	}
	side, ok := exchange.ParseSide(req.Side)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid side", req.Side)
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}
	trades, err := s.engine.CreateMarketOrder(trader, req.Symbol, amount, side)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	response := MarketOrderResponse{Trades: make([]TradeInfo, len(trades))}
	for i, t := range trades {
		response.Trades[i] = tradeInfo(t)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	buys := s.engine.Orders(symbol, exchange.Buy)
	sells := s.engine.Orders(symbol, exchange.Sell)

	snapshot := OrderbookSnapshot{
		Symbol: symbol,
		Buys:   make([]OrderInfo, len(buys)),
		Sells:  make([]OrderInfo, len(sells)),
	}
	for i, o := range buys {
		snapshot.Buys[i] = orderInfo(o)
	}
	for i, o := range sells {
		snapshot.Sells[i] = orderInfo(o)
	}
	respondJSON(w, snapshot)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since cursor", raw)
			return
		}
		since = v
	}

	trades := s.engine.Feed().Since(symbol, since)
	response := make([]TradeInfo, len(trades))
	for i, t := range trades {
		response[i] = tradeInfo(t)
	}
	respondJSON(w, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// respondEngineError maps the exchange error taxonomy onto HTTP status codes.
func respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, exchange.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, exchange.ErrAuthorization):
		status = http.StatusForbidden
	case errors.Is(err, exchange.ErrInsufficientBalance), errors.Is(err, exchange.ErrInsufficientAllowance):
		status = http.StatusUnprocessableEntity
	}
	respondError(w, status, err.Error(), "")
}
