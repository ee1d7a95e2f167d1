package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindInvalidCredential},
		{http.StatusForbidden, KindInvalidCredential},
		{http.StatusPaymentRequired, KindInsufficientCredit},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusNotFound, KindModelNotFound},
		{http.StatusRequestEntityTooLarge, KindContextTooLarge},
		{http.StatusGatewayTimeout, KindBackendTimeout},
		{http.StatusInternalServerError, KindUpstream},
		{http.StatusServiceUnavailable, KindUpstream},
		{http.StatusUnprocessableEntity, KindBadRequest},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := ClassifyStatus(tt.status, "")
			if err.Kind != tt.want {
				t.Fatalf("kind = %s, want %s", err.Kind, tt.want)
			}
			if err.StatusCode() != tt.status {
				t.Fatalf("code = %d, want %d", err.StatusCode(), tt.status)
			}
		})
	}
}

func TestKindPolicies(t *testing.T) {
	noFallback := []Kind{KindInvalidCredential, KindInsufficientCredit, KindRateLimited, KindModelNotFound, KindContextTooLarge}
	for _, k := range noFallback {
		if k.Fallbackable() {
			t.Errorf("%s must not fall back", k)
		}
		if k.Transient() {
			t.Errorf("%s must not be retried", k)
		}
	}
	for _, k := range []Kind{KindBackendUnreachable, KindBackendTimeout, KindUpstream} {
		if !k.Fallbackable() || !k.Transient() {
			t.Errorf("%s should be retried and fall back", k)
		}
	}
	if !KindModelCorrupted.Fallbackable() || KindModelCorrupted.Transient() {
		t.Error("model-corrupted falls back without retry")
	}
}

func TestAsError(t *testing.T) {
	base := NewError(KindRateLimited, "slow down")
	wrapped := fmt.Errorf("dispatch: %w", base)
	if got := AsError(wrapped); got != base {
		t.Fatalf("AsError did not unwrap: %v", got)
	}
	if KindOf(context.DeadlineExceeded) != KindBackendTimeout {
		t.Fatal("deadline should map to backend-timeout")
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("unknown errors should map to internal")
	}
	if AsError(nil) != nil {
		t.Fatal("nil stays nil")
	}
}

func TestErrorMessage(t *testing.T) {
	tests := map[string]string{
		`{"error":"model 'x' not found"}`:          "model 'x' not found",
		`{"error":{"message":"bad key","code":401}}`: "bad key",
		`{"message":"plain message"}`:              "plain message",
		"  gateway exploded \n":                    "gateway exploded",
	}
	for body, want := range tests {
		if got := ErrorMessage([]byte(body)); got != want {
			t.Errorf("ErrorMessage(%q) = %q, want %q", body, got, want)
		}
	}
}
