package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsOrderNotFoundThroughWrapping(t *testing.T) {
	base := New("hitbtc", CodeNotFound, WithRawCode("20002"), WithCanonicalCode(CanonicalOrderNotFound))
	wrapped := fmt.Errorf("cancel order: %w", base)
	if !IsOrderNotFound(wrapped) {
		t.Fatalf("expected wrapped not-found error to be classified")
	}
	if IsOrderNotFound(errors.New("plain")) {
		t.Fatalf("plain errors must not classify as not-found")
	}
	if IsOrderNotFound(nil) {
		t.Fatalf("nil must not classify as not-found")
	}
}

func TestTransportAndVenueClassification(t *testing.T) {
	transport := New("hitbtc", CodeNetwork, WithCause(errors.New("connection reset")))
	if !IsTransport(transport) {
		t.Fatalf("expected network error to be transport")
	}
	if IsVenue(transport) {
		t.Fatalf("transport error must not be a venue error")
	}

	venue := New("hitbtc", CodeExchange, WithRawCode("20001"), WithRawMessage("Insufficient funds"))
	if IsTransport(venue) {
		t.Fatalf("venue error must not be transport")
	}
	if !IsVenue(venue) {
		t.Fatalf("expected raw-coded error to be a venue error")
	}
}

func TestInvalidIsValidation(t *testing.T) {
	err := Invalid("amount below minimum", WithCanonicalCode(CanonicalBelowMinimum))
	if !IsValidation(err) {
		t.Fatalf("expected validation classification")
	}
	if err.Canonical != CanonicalBelowMinimum {
		t.Fatalf("expected canonical below_minimum, got %q", err.Canonical)
	}
}

func TestIsShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wrapped := New("hitbtc", CodeNetwork, WithCause(ctx.Err()))
	if !IsShutdown(wrapped) {
		t.Fatalf("expected cancelled context to be detected through envelope")
	}
	if IsShutdown(New("hitbtc", CodeTimeout, WithCause(context.DeadlineExceeded))) {
		t.Fatalf("deadline expiry is not a shutdown signal")
	}
}
