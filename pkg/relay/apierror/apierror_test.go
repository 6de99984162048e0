package apierror

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestFromError_CanonicalErrorKeepsTypeAndGainsRequestID(t *testing.T) {
	in := &Error{Type: TypeQuota, Code: CodeQuotaExhausted, Message: "quota exhausted"}
	out, status := FromError(in, "req_test")
	if status != 402 {
		t.Fatalf("status=%d, want 402", status)
	}
	if out.Type != TypeQuota || out.Code != CodeQuotaExhausted {
		t.Fatalf("out=%+v", out)
	}
	if out.RequestID != "req_test" {
		t.Fatalf("request_id=%q", out.RequestID)
	}
	if in.RequestID != "" {
		t.Fatal("input error was mutated")
	}
}

func TestFromError_WrappedCanonicalError(t *testing.T) {
	wrapped := fmt.Errorf("resolve: %w", &Error{Type: TypeConfig, Code: CodeUnknownProvider, Message: "unknown provider"})
	out, status := FromError(wrapped, "req_test")
	if status != 400 {
		t.Fatalf("status=%d, want 400", status)
	}
	if out.Code != CodeUnknownProvider {
		t.Fatalf("code=%q", out.Code)
	}
}

func TestFromError_ContextCanceled(t *testing.T) {
	out, status := FromError(context.Canceled, "req_test")
	if status != 408 {
		t.Fatalf("status=%d, want 408", status)
	}
	if out.Code != "cancelled" {
		t.Fatalf("code=%q", out.Code)
	}
}

func TestFromError_UnknownErrorIsOpaque(t *testing.T) {
	out, status := FromError(errors.New("pgx: connection refused at 10.0.0.5"), "req_test")
	if status != 500 {
		t.Fatalf("status=%d, want 500", status)
	}
	if out.Message != "internal error" {
		t.Fatalf("message=%q leaked internals", out.Message)
	}
}

func TestStatusFromType(t *testing.T) {
	cases := []struct {
		t    Type
		want int
	}{
		{TypeAuth, 401},
		{TypeConfig, 400},
		{TypeQuota, 402},
		{TypeUpgradeRequired, 426},
		{TypeRateLimit, 429},
		{TypeOverloaded, 529},
		{TypeUpstream, 502},
		{TypeMetering, 500},
		{TypeAPI, 500},
	}
	for _, tc := range cases {
		if got := StatusFromType(tc.t); got != tc.want {
			t.Fatalf("StatusFromType(%q)=%d, want %d", tc.t, got, tc.want)
		}
	}
}
