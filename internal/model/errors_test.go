package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyRecoversWrappedKind(t *testing.T) {
	err := NewKindError(KindTransientNetwork, errors.New("dial refused"))
	wrapped := fmt.Errorf("transport: %w", err)
	if got := Classify(wrapped); got != KindTransientNetwork {
		t.Fatalf("Classify(wrapped) = %v, want KindTransientNetwork", got)
	}
}

func TestClassifyDefaultsToUnknown(t *testing.T) {
	if got := Classify(errors.New("plain")); got != KindUnknown {
		t.Fatalf("Classify(plain) = %v, want KindUnknown", got)
	}
	if got := Classify(nil); got != KindUnknown {
		t.Fatalf("Classify(nil) = %v, want KindUnknown", got)
	}
}

func TestClassifyAlwaysTreatsContextErrorsAsCancellation(t *testing.T) {
	wrappedAsAuth := NewKindError(KindAuth, context.Canceled)
	if got := Classify(wrappedAsAuth); got != KindCancellation {
		t.Fatalf("Classify(context.Canceled wrapped as KindAuth) = %v, want KindCancellation", got)
	}
	if got := Classify(context.DeadlineExceeded); got != KindCancellation {
		t.Fatalf("Classify(context.DeadlineExceeded) = %v, want KindCancellation", got)
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Kind{KindTransientIO, KindTransientNetwork, KindTransientTransport}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%v: expected Retryable() to be true", k)
		}
	}
	notRetryable := []Kind{KindUnknown, KindAuth, KindBadInput, KindCancellation, KindSourceEndedPrematurely}
	for _, k := range notRetryable {
		if k.Retryable() {
			t.Errorf("%v: expected Retryable() to be false", k)
		}
	}
}

func TestNewKindErrorNilIsNil(t *testing.T) {
	if err := NewKindError(KindAuth, nil); err != nil {
		t.Fatalf("NewKindError(_, nil) = %v, want nil", err)
	}
}
