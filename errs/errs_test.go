package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonical(t *testing.T) {
	err := New(
		"okx",
		CodeAuth,
		WithMessage("login rejected"),
		WithRawCode("60009"),
		WithRawMessage("login failed"),
		WithCanonicalCode(CanonicalUnauthorized),
		WithCause(errors.New("websocket closed")),
	)

	out := err.Error()
	if !strings.Contains(out, "exchange=okx") {
		t.Fatalf("expected exchange marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=auth") {
		t.Fatalf("expected code marker in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=unauthorized") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	if !strings.Contains(out, "raw_code=\"60009\"") {
		t.Fatalf("expected raw code in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"websocket closed\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("binance", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New("deribit", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to match the wrapped cause")
	}
}

func TestCapacityExhaustedPredicate(t *testing.T) {
	err := CapacityExhausted("delta", "max connections reached")
	if !IsCapacityExhausted(err) {
		t.Fatal("expected capacity predicate to match")
	}
	if IsCapacityExhausted(errors.New("plain")) {
		t.Fatal("plain errors must not match capacity predicate")
	}

	wrapped := fmt.Errorf("subscribe orderbook: %w", err)
	if !IsCapacityExhausted(wrapped) {
		t.Fatal("expected predicate to match through wrapping")
	}
}

func TestUnknownSymbolPredicate(t *testing.T) {
	err := UnknownSymbol("binance", "XYZ_PERP_USDT")
	if !IsUnknownSymbol(err) {
		t.Fatal("expected unknown-symbol predicate to match")
	}
	if !strings.Contains(err.Error(), "XYZ_PERP_USDT") {
		t.Fatalf("expected symbol in message: %s", err.Error())
	}
}

func TestUnauthorizedPredicate(t *testing.T) {
	if !IsUnauthorized(Unauthorized("okx", "token expired")) {
		t.Fatal("expected unauthorized predicate to match")
	}
	if IsUnauthorized(CapacityExhausted("okx", "full")) {
		t.Fatal("capacity errors must not match unauthorized predicate")
	}
}
