// Package api is the HTTP surface: order placement/cancellation, order book
// and trade history queries, epoch status, and the websocket upgrade. There
// is no register/login here — identity is issued by an upstream system and
// this gateway only verifies the bearer token's sub/role claims.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"gridsettle/internal/db"
	"gridsettle/internal/engine"
	"gridsettle/internal/model"
	"gridsettle/internal/ws"
)

type Server struct {
	store  *db.Store
	mgr    *engine.Manager
	ws     *ws.Handler
	secret []byte
}

func NewServer(store *db.Store, mgr *engine.Manager, wsHandler *ws.Handler, jwtSecret string) *Server {
	return &Server{store: store, mgr: mgr, ws: wsHandler, secret: []byte(jwtSecret)}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Get("/ws", s.ws.ServeHTTP)

	r.Get("/epochs/current", s.currentEpoch)
	r.Get("/epochs/history", s.epochHistory)
	r.Get("/orderbook", s.orderBook)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/orders", s.placeOrder)
		r.Delete("/orders/{id}", s.cancelOrder)
		r.Get("/orders", s.listOrders)
		r.Get("/trades", s.listTrades)
		r.Get("/balance", s.getBalance)
	})

	return r
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

// authMiddleware verifies an externally-issued bearer token; this gateway
// never mints or stores credentials itself.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		if userID == "" {
			jsonErr(w, 401, "token missing sub claim")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Epochs / book ────────────────────────────────────

func (s *Server) currentEpoch(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetOpenEpoch(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if e == nil {
		jsonErr(w, 404, "no open epoch")
		return
	}
	json200(w, e)
}

func (s *Server) epochHistory(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 20, 200)
	hist, err := s.store.ListEpochHistory(r.Context(), limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if hist == nil {
		hist = []model.Epoch{}
	}
	json200(w, hist)
}

func (s *Server) orderBook(w http.ResponseWriter, r *http.Request) {
	eng := s.mgr.Current()
	if eng == nil {
		jsonErr(w, 503, "no engine running")
		return
	}
	depth := intQuery(r, "depth", 20, 200)
	json200(w, eng.Snapshot(depth))
}

// ── Orders ───────────────────────────────────────────

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)

	var req model.PlaceOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		jsonErr(w, 400, "side must be BUY or SELL")
		return
	}
	if req.Quantity.Sign() <= 0 {
		jsonErr(w, 400, "quantity must be positive")
		return
	}
	if req.Price.Sign() <= 0 {
		jsonErr(w, 400, "price must be positive")
		return
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = time.Now().Add(24 * time.Hour)
	}

	eng := s.mgr.Current()
	if eng == nil {
		jsonErr(w, 503, "no engine running")
		return
	}

	result := eng.PlaceOrder(uid, req)
	if result.State == model.OrderCancelled && result.Reason != "" {
		if strings.HasPrefix(result.Reason, "insufficient available") {
			jsonErr(w, 402, result.Reason)
			return
		}
		jsonErr(w, 400, result.Reason)
		return
	}
	json200(w, result)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)

	eng := s.mgr.Current()
	if eng == nil {
		jsonErr(w, 503, "no engine running")
		return
	}
	if err := eng.CancelOrder(orderID, uid); err != nil {
		jsonErr(w, 400, err.Error())
		return
	}
	json200(w, map[string]string{"status": "cancelled"})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	limit := intQuery(r, "limit", 50, 500)
	orders, err := s.store.GetUserOrders(r.Context(), uid, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	json200(w, orders)
}

func (s *Server) listTrades(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	limit := intQuery(r, "limit", 50, 500)
	trades, err := s.store.ListTrades(r.Context(), uid, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if trades == nil {
		trades = []model.TradeMatch{}
	}
	json200(w, trades)
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	bal, err := s.store.GetBalance(r.Context(), uid)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if bal == nil {
		jsonErr(w, 404, "user not found")
		return
	}
	json200(w, bal)
}

// ── Helpers ──────────────────────────────────────────

func intQuery(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
