package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pivotal/paper-trading/internal/contract"
	"github.com/pivotal/paper-trading/internal/identity"
	"github.com/pivotal/paper-trading/internal/model"
	"github.com/pivotal/paper-trading/internal/store"
)

// Handler exposes the Service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates the HTTP handler set for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes returns the paper-trading API router. Every route requires an
// identity resolvable by res. Mount it at /api/v1/paper-trading.
func (h *Handler) Routes(res identity.Resolver) chi.Router {
	r := chi.NewRouter()
	r.Use(identity.Middleware(res))

	r.Get("/account", h.GetAccount)
	r.Post("/account/reset", h.ResetAccount)

	r.Get("/positions", h.ListPositions)
	r.Post("/positions/update-prices", h.UpdatePositionPrices)

	r.Get("/trades", h.ListTrades)
	r.Post("/trades", h.ExecuteTrade)
	r.Get("/summary", h.GetSummary)

	r.Route("/options", func(r chi.Router) {
		r.Get("/contracts", h.ListContracts)
		r.Post("/contracts", h.RegisterContract)
		r.Get("/positions", h.ListOptionPositions)
		r.Post("/positions/update-prices", h.UpdateOptionPositionPrices)
		r.Get("/trades", h.ListOptionTrades)
		r.Post("/trades", h.ExecuteOptionTrade)
		r.Post("/close-expired", h.CloseExpired)
		r.Get("/summary", h.GetOptionsSummary)
	})
	return r
}

// userID returns the identity placed in the context by identity.Middleware.
func userID(r *http.Request) string {
	id, _ := identity.UserFromContext(r.Context())
	return id
}

// GetAccount handles GET /account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetPortfolioSnapshot(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":   snap.Account,
		"positions": snap.Positions,
	})
}

type resetRequest struct {
	InitialBalance any `json:"initial_balance"`
}

// ResetAccount handles POST /account/reset. An absent or malformed
// initial_balance resets to the default balance.
func (h *Handler) ResetAccount(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, validationError("invalid request body"))
		return
	}
	balance := ""
	if req.InitialBalance != nil {
		balance = fmt.Sprint(req.InitialBalance)
	}

	a, err := h.svc.ResetAccount(r.Context(), userID(r), balance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": a})
}

// ListPositions handles GET /positions.
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.svc.ListStockPositions(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

type pricesRequest struct {
	Prices map[string]decimal.Decimal `json:"prices"`
}

// UpdatePositionPrices handles POST /positions/update-prices.
func (h *Handler) UpdatePositionPrices(w http.ResponseWriter, r *http.Request) {
	var req pricesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	n, err := h.svc.UpdateStockPrices(r.Context(), userID(r), req.Prices)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}

// ListTrades handles GET /trades?symbol=&limit=&offset=.
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.svc.ListTrades(r.Context(), userID(r), store.TradeFilter{
		Symbol: r.URL.Query().Get("symbol"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ExecuteTrade handles POST /trades.
func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var order StockOrder
	if err := decode(r, &order); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.ExecuteStockTrade(r.Context(), userID(r), order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetSummary handles GET /summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.GetPortfolioSummary(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ListContracts handles GET /options/contracts?underlying=&type=&expiration=.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	expiry, err := parseExpiration(q.Get("expiration"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit, _, err := paging(r)
	if err != nil {
		writeError(w, err)
		return
	}
	contracts, err := h.svc.ListContracts(r.Context(), store.ContractFilter{
		Underlying: q.Get("underlying"),
		OptionType: model.OptionType(strings.ToLower(q.Get("type"))),
		Expiration: expiry,
		Limit:      limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if contracts == nil {
		contracts = []model.OptionContract{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": contracts})
}

// RegisterContract handles POST /options/contracts. Responds 201 when the
// contract was created and 200 when an existing one was returned.
func (h *Handler) RegisterContract(w http.ResponseWriter, r *http.Request) {
	var spec contract.Spec
	if err := decode(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	c, created, err := h.svc.RegisterContract(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"contract": c, "created": created})
}

// ListOptionPositions handles GET /options/positions. Marks are refreshed
// from the quote source first; a refresh failure is logged and the stored
// marks are returned.
func (h *Handler) ListOptionPositions(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if _, err := h.svc.RefreshMarks(r.Context(), user); err != nil {
		slog.Warn("mark refresh failed", "user", user, "err", err)
	}
	positions, err := h.svc.ListOptionPositions(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// UpdateOptionPositionPrices handles POST /options/positions/update-prices.
func (h *Handler) UpdateOptionPositionPrices(w http.ResponseWriter, r *http.Request) {
	var req pricesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	n, err := h.svc.UpdateOptionPrices(r.Context(), userID(r), req.Prices)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}

// ListOptionTrades handles GET /options/trades?underlying=&limit=&offset=.
func (h *Handler) ListOptionTrades(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.svc.ListOptionTrades(r.Context(), userID(r), store.OptionTradeFilter{
		Underlying: r.URL.Query().Get("underlying"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ExecuteOptionTrade handles POST /options/trades.
func (h *Handler) ExecuteOptionTrade(w http.ResponseWriter, r *http.Request) {
	var order OptionOrder
	if err := decode(r, &order); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.ExecuteOptionTrade(r.Context(), userID(r), order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// CloseExpired handles POST /options/close-expired.
func (h *Handler) CloseExpired(w http.ResponseWriter, r *http.Request) {
	var ref PositionRef
	if err := decode(r, &ref); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.SettleExpiredOption(r.Context(), userID(r), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetOptionsSummary handles GET /options/summary.
func (h *Handler) GetOptionsSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.GetOptionsSummary(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// decode reads a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return validationError("invalid request body: %v", err)
	}
	return nil
}

func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, validationError("limit must be a non-negative integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, validationError("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error     string           `json:"error"`
	Kind      Kind             `json:"kind"`
	Required  *decimal.Decimal `json:"required,omitempty"`
	Available *decimal.Decimal `json:"available,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(k Kind) int {
	switch k {
	case KindNoPosition, KindContractNotFound:
		return http.StatusNotFound
	case KindExpiredContract, KindNotExpired, KindExposureLimit:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// writeError writes a JSON error response. Errors that are not ledger
// rejections are logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, err error) {
	var e *Error
	if errors.As(err, &e) {
		writeJSON(w, statusFor(e.Kind), errorResponse{
			Error:     e.Message,
			Kind:      e.Kind,
			Required:  e.Required,
			Available: e.Available,
		})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found", Kind: "not_found"})
		return
	}
	slog.Error("request failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Kind: "internal"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
