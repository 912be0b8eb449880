package trade_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/pivotal/paper-trading/internal/identity"
	"github.com/pivotal/paper-trading/internal/quote"
	"github.com/pivotal/paper-trading/internal/trade"
)

// newTestRouter mounts the API the way cmd/server does.
func newTestRouter(t *testing.T) (*testEnv, chi.Router) {
	t.Helper()
	env := newEnv(t, nil)
	r := chi.NewRouter()
	r.Mount("/api/v1/paper-trading", trade.NewHandler(env.svc).Routes(identity.HeaderResolver{}))
	return env, r
}

func doRequest(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, "/api/v1/paper-trading"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.HeaderUserID, user)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func quoteMid(bid, ask string) quote.OptionQuote {
	return quote.OptionQuote{Bid: d(bid), Ask: d(ask)}
}

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Required  string `json:"required"`
	Available string `json:"available"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHTTP_RequiresIdentity(t *testing.T) {
	_, router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/paper-trading/account", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHTTP_ExecuteStockTrade(t *testing.T) {
	_, router := newTestRouter(t)

	w := doRequest(t, router, "POST", "/trades", map[string]any{
		"symbol": "AAPL", "side": "buy", "quantity": "10", "price": "150.00",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.StockTradeResult
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Account.Balance.Equal(d("98500")) {
		t.Errorf("expected balance 98500, got %s", resp.Account.Balance)
	}
	if resp.Trade.ID == "" {
		t.Error("expected non-empty trade id")
	}

	w = doRequest(t, router, "GET", "/trades?symbol=aapl", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var page trade.TradePage
	json.Unmarshal(w.Body.Bytes(), &page)
	if page.Total != 1 || len(page.Trades) != 1 {
		t.Errorf("expected one trade in history, got %+v", page)
	}
}

func TestHTTP_InsufficientBalanceReportsAmounts(t *testing.T) {
	_, router := newTestRouter(t)

	if w := doRequest(t, router, "POST", "/account/reset", map[string]any{"initial_balance": 100}); w.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w := doRequest(t, router, "POST", "/trades", map[string]any{
		"symbol": "AAPL", "side": "buy", "quantity": 10, "price": 150,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeError(t, w)
	if body.Kind != string(trade.KindInsufficientBalance) {
		t.Errorf("expected kind insufficient_balance, got %q", body.Kind)
	}
	if !d(body.Required).Equal(d("1500")) || !d(body.Available).Equal(d("100")) {
		t.Errorf("expected required 1500 / available 100, got %s / %s", body.Required, body.Available)
	}
}

func TestHTTP_StatusMapping(t *testing.T) {
	env, router := newTestRouter(t)

	w := doRequest(t, router, "POST", "/trades", map[string]any{
		"symbol": "AAPL", "side": "short", "quantity": "1", "price": "1",
	})
	if w.Code != http.StatusBadRequest || decodeError(t, w).Kind != string(trade.KindValidation) {
		t.Errorf("invalid side: expected 400 validation_error, got %d %s", w.Code, w.Body.String())
	}

	w = doRequest(t, router, "POST", "/trades", map[string]any{
		"symbol": "AAPL", "side": "sell", "quantity": "1", "price": "1",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("sell without position: expected 404, got %d", w.Code)
	}

	w = doRequest(t, router, "POST", "/options/trades", map[string]any{
		"contract_symbol": callSymbol, "action": "buy_to_open", "quantity": 1, "premium": "1.00",
	})
	if w.Code != http.StatusNotFound || decodeError(t, w).Kind != string(trade.KindContractNotFound) {
		t.Errorf("unknown contract: expected 404 contract_not_found, got %d %s", w.Code, w.Body.String())
	}

	w = doRequest(t, router, "POST", "/options/trades", map[string]any{
		"contract_symbol": callSymbol,
		"contract": map[string]any{
			"underlying_symbol": "AAPL", "option_type": "call",
			"strike_price": "150", "expiration_date": "2024-06-21",
		},
		"action": "buy_to_open", "quantity": 1, "premium": "1.00",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("auto-create trade: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, router, "POST", "/options/close-expired", map[string]any{"contract_symbol": callSymbol})
	if w.Code != http.StatusConflict || decodeError(t, w).Kind != string(trade.KindNotExpired) {
		t.Errorf("settle live contract: expected 409 not_expired, got %d %s", w.Code, w.Body.String())
	}

	env.advanceTo(2024, 7, 1)
	w = doRequest(t, router, "POST", "/options/trades", map[string]any{
		"contract_symbol": callSymbol, "action": "sell_to_close", "quantity": 1, "premium": "1.00",
	})
	if w.Code != http.StatusConflict || decodeError(t, w).Kind != string(trade.KindExpiredContract) {
		t.Errorf("trade expired contract: expected 409 expired_contract, got %d %s", w.Code, w.Body.String())
	}

	w = doRequest(t, router, "POST", "/options/close-expired", map[string]any{"contract_symbol": callSymbol})
	if w.Code != http.StatusOK {
		t.Fatalf("settle expired contract: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, router, "GET", "/trades?limit=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/api/v1/paper-trading/trades", bytes.NewBufferString("{not json"))
	req.Header.Set(identity.HeaderUserID, user)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", rec.Code)
	}
}

func TestHTTP_RegisterContract(t *testing.T) {
	_, router := newTestRouter(t)
	body := map[string]any{
		"underlying_symbol": "SPY", "option_type": "put",
		"strike_price": "500", "expiration_date": "2024-06-21",
	}

	w := doRequest(t, router, "POST", "/options/contracts", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = doRequest(t, router, "POST", "/options/contracts", body)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate: expected 200, got %d", w.Code)
	}

	w = doRequest(t, router, "GET", "/options/contracts?underlying=spy&type=put&expiration=2024-06-21", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Contracts []struct {
			ContractSymbol string `json:"contract_symbol"`
		} `json:"contracts"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Contracts) != 1 || resp.Contracts[0].ContractSymbol != "SPY240621P00500000" {
		t.Errorf("unexpected contracts: %+v", resp.Contracts)
	}

	w = doRequest(t, router, "GET", "/options/contracts?expiration=June", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad expiration: expected 400, got %d", w.Code)
	}
}

func TestHTTP_SummaryAndPositions(t *testing.T) {
	env, router := newTestRouter(t)
	env.quotes.SetOptionQuote(callSymbol, quoteMid("1.40", "1.60"))

	doRequest(t, router, "POST", "/trades", map[string]any{
		"symbol": "MSFT", "side": "buy", "quantity": "2", "price": "400",
	})
	doRequest(t, router, "POST", "/options/trades", map[string]any{
		"contract_symbol": callSymbol,
		"contract": map[string]any{
			"underlying_symbol": "AAPL", "option_type": "call",
			"strike_price": "150", "expiration_date": "2024-06-21",
		},
		"action": "buy_to_open", "quantity": 2, "premium": "1.00",
	})

	w := doRequest(t, router, "POST", "/positions/update-prices", map[string]any{
		"prices": map[string]string{"MSFT": "410"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update prices: expected 200, got %d", w.Code)
	}

	w = doRequest(t, router, "GET", "/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary: expected 200, got %d", w.Code)
	}
	var sum trade.PortfolioSummary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if !sum.StocksValue.Equal(d("820")) {
		t.Errorf("expected stocks value 820, got %s", sum.StocksValue)
	}
	if len(sum.RecentTrades) != 1 {
		t.Errorf("expected 1 recent trade, got %d", len(sum.RecentTrades))
	}

	// Listing option positions refreshes marks from the quote source.
	w = doRequest(t, router, "GET", "/options/positions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("option positions: expected 200, got %d", w.Code)
	}
	var positions struct {
		Positions []struct {
			CurrentPrice string `json:"current_price"`
			MarketValue  string `json:"market_value"`
		} `json:"positions"`
	}
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions.Positions) != 1 {
		t.Fatalf("expected 1 option position, got %d", len(positions.Positions))
	}
	if !d(positions.Positions[0].CurrentPrice).Equal(d("1.5")) {
		t.Errorf("expected refreshed mark 1.5, got %s", positions.Positions[0].CurrentPrice)
	}
	if !d(positions.Positions[0].MarketValue).Equal(d("300")) {
		t.Errorf("expected market value 300, got %s", positions.Positions[0].MarketValue)
	}

	w = doRequest(t, router, "GET", "/options/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("options summary: expected 200, got %d", w.Code)
	}
	var osum trade.OptionsSummary
	json.Unmarshal(w.Body.Bytes(), &osum)
	if osum.LongPositions != 1 || len(osum.ByUnderlying) != 1 {
		t.Errorf("unexpected options summary: %+v", osum)
	}
}

func TestHTTP_ResetWithInvalidBalanceUsesDefault(t *testing.T) {
	_, router := newTestRouter(t)

	w := doRequest(t, router, "POST", "/account/reset", map[string]any{"initial_balance": "lots"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Account struct {
			Balance string `json:"balance"`
		} `json:"account"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !d(resp.Account.Balance).Equal(d("100000")) {
		t.Errorf("expected default balance, got %s", resp.Account.Balance)
	}
}
