package signerclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPrepareAndSign(t *testing.T) {
	unsigned := []byte("unsigned-wire-bytes")
	signed := []byte("signed-wire-bytes")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key" {
			t.Errorf("expected api key header, got %q", r.Header.Get("x-api-key"))
		}
		switch r.URL.Path {
		case "/v1/transactions/prepare":
			var req prepareRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode prepare: %v", err)
			}
			if req.AccountID != "acct-1" || !req.FeeConfig.Sponsored || req.FeeConfig.FeePayer != "payer" {
				t.Errorf("unexpected prepare request %+v", req)
			}
			if req.Transaction != base64.StdEncoding.EncodeToString(unsigned) {
				t.Errorf("unexpected transaction payload %q", req.Transaction)
			}
			_ = json.NewEncoder(w).Encode(PreparedTransaction{ID: "prep-1", AccountID: "acct-1", ExpiresAt: time.Now().Add(time.Minute)})
		case "/v1/transactions/sign":
			if r.Header.Get("Authorization") != "Bearer session-token" {
				t.Errorf("expected session bearer, got %q", r.Header.Get("Authorization"))
			}
			var req signRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.PreparedID != "prep-1" {
				t.Errorf("expected prepared id prep-1, got %q", req.PreparedID)
			}
			_ = json.NewEncoder(w).Encode(signResponse{SignedTransaction: base64.StdEncoding.EncodeToString(signed)})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "key")
	prepared, err := client.Prepare(context.Background(), "acct-1", unsigned, FeeConfig{FeePayer: "payer", Sponsored: true})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	got, err := client.Sign(context.Background(), Session{Token: "session-token"}, prepared)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if string(got) != string(signed) {
		t.Fatalf("expected signed bytes %q, got %q", signed, got)
	}
}

func TestSignMapsStatusCodes(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantExpired   bool
		wantClient    bool
		wantRejection bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantExpired: true, wantRejection: true},
		{name: "session code", status: http.StatusUnauthorized, body: `{"code":"session_expired","message":"login again"}`, wantExpired: true, wantRejection: true},
		{name: "bad api key", status: http.StatusUnauthorized, body: `{"code":"invalid_api_key","message":"unknown key"}`, wantClient: true, wantRejection: true},
		{name: "revoked api key", status: http.StatusUnauthorized, body: `{"code":"API_KEY_REVOKED"}`, wantClient: true, wantRejection: true},
		{name: "session timeout", status: statusSessionExpired, wantExpired: true, wantRejection: true},
		{name: "policy refusal", status: http.StatusForbidden, body: `{"code":"policy_denied","message":"transfer limit exceeded"}`, wantRejection: true},
		{name: "server error", status: http.StatusBadGateway, body: "upstream down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(server.URL, "key").Sign(context.Background(), Session{Token: "t"}, &PreparedTransaction{ID: "p"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrSessionExpired); got != tt.wantExpired {
				t.Fatalf("expected session expired=%v, got %v (%v)", tt.wantExpired, got, err)
			}
			if got := errors.Is(err, ErrClientUnauthorized); got != tt.wantClient {
				t.Fatalf("expected client unauthorized=%v, got %v (%v)", tt.wantClient, got, err)
			}
			if got := IsRejection(err); got != tt.wantRejection {
				t.Fatalf("expected rejection=%v, got %v (%v)", tt.wantRejection, got, err)
			}
		})
	}
}

func TestSignRequiresSession(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:0", "key").Sign(context.Background(), Session{}, &PreparedTransaction{ID: "p"})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestErrorResponseKeepsCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid_transaction","message":"cannot decode"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "key").Prepare(context.Background(), "acct", []byte("x"), FeeConfig{})
	var errResp *ErrorResponse
	if !errors.As(err, &errResp) {
		t.Fatalf("expected *ErrorResponse, got %T", err)
	}
	if errResp.StatusCode != http.StatusUnprocessableEntity || errResp.Code != "invalid_transaction" {
		t.Fatalf("unexpected error response %+v", errResp)
	}
}

func TestPrepareUnauthorizedBlamesAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"unauthorized"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "wrong-key").Prepare(context.Background(), "acct", []byte("x"), FeeConfig{})
	if !errors.Is(err, ErrClientUnauthorized) {
		t.Fatalf("expected ErrClientUnauthorized, got %v", err)
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Fatal("a rejected api key must not look like an expired session")
	}
}
