package quote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestOptionQuote_Mark(t *testing.T) {
	tests := []struct {
		name   string
		q      OptionQuote
		want   string
		wantOK bool
	}{
		{"mid when both sides quoted", OptionQuote{Bid: d("2.00"), Ask: d("2.50"), Last: d("9")}, "2.25", true},
		{"last when bid missing", OptionQuote{Ask: d("2.50"), Last: d("2.40")}, "2.4", true},
		{"last when ask zero", OptionQuote{Bid: d("2.00"), Ask: d("0"), Last: d("2.10")}, "2.1", true},
		{"nothing usable", OptionQuote{}, "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.q.Mark()
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !got.Equal(d(tt.want)) {
				t.Errorf("mark = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStaticSource(t *testing.T) {
	s := NewStaticSource()
	s.SetPrice("AAPL", d("150"))
	s.SetOptionQuote("AAPL240119C00150000", OptionQuote{Last: d("3")})

	p, err := s.LastPrice(context.Background(), "AAPL")
	if err != nil || !p.Equal(d("150")) {
		t.Fatalf("LastPrice = %s, %v", p, err)
	}
	if _, err := s.LastPrice(context.Background(), "MSFT"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if _, err := s.OptionQuote(context.Background(), "AAPL240119C00150000"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := s.OptionQuote(context.Background(), "NOPE"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func newProvider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/quote/AAPL", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(DefaultAPIKeyHeader) != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"symbol":"AAPL","price":"187.42"}`))
	})
	mux.HandleFunc("/quote/ZERO", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"ZERO","price":0}`))
	})
	mux.HandleFunc("/options/AAPL240119C00150000", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bid":"3.10","ask":"3.30","last":"3.25"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSource_LastPrice(t *testing.T) {
	srv := newProvider(t)
	s := NewHTTPSource(srv.URL+"/", "secret", WithHTTPClient(srv.Client()))

	p, err := s.LastPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(d("187.42")) {
		t.Errorf("price = %s, want 187.42", p)
	}
}

func TestHTTPSource_Failures(t *testing.T) {
	srv := newProvider(t)

	unauth := NewHTTPSource(srv.URL, "wrong")
	if _, err := unauth.LastPrice(context.Background(), "AAPL"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for 401, got %v", err)
	}

	s := NewHTTPSource(srv.URL, "secret")
	if _, err := s.LastPrice(context.Background(), "MSFT"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for 404, got %v", err)
	}
	if _, err := s.LastPrice(context.Background(), "ZERO"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for zero price, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.LastPrice(ctx, "AAPL"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for cancelled context, got %v", err)
	}
}

func TestHTTPSource_OptionQuote(t *testing.T) {
	srv := newProvider(t)
	s := NewHTTPSource(srv.URL, "")

	q, err := s.OptionQuote(context.Background(), "AAPL240119C00150000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mark, ok := q.Mark()
	if !ok || !mark.Equal(d("3.2")) {
		t.Errorf("mark = %s (%v), want 3.2", mark, ok)
	}
}
