package usecase

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/example/passport-check/internal/logging"
	"github.com/example/passport-check/internal/stream"
	"github.com/example/passport-check/internal/verification"
)

type stubVerifier struct {
	checklist verification.Checklist
	err       error
	calls     int
}

func (s *stubVerifier) Verify(ctx context.Context, frame []byte) (verification.Checklist, error) {
	s.calls++
	return s.checklist, s.err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func TestVerifyOnceReportsChecklist(t *testing.T) {
	verifier := &stubVerifier{checklist: verification.Checklist{true, true, true, true, true}}
	uc := NewVerificationUseCase(verifier, zap.NewNop())

	res, err := uc.VerifyOnce(context.Background(), "user-1", pngImage(t))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !res.Passed || res.RequestID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestVerifyOnceSkipsInvalidImages(t *testing.T) {
	verifier := &stubVerifier{}
	uc := NewVerificationUseCase(verifier, zap.NewNop())

	if _, err := uc.VerifyOnce(context.Background(), "user-1", nil); !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	if verifier.calls != 0 {
		t.Fatalf("expected no verification call, got %d", verifier.calls)
	}
}

func TestVerifyOnceReturnsOperationError(t *testing.T) {
	verifier := &stubVerifier{err: verification.ErrTimeout}
	uc := NewVerificationUseCase(verifier, zap.NewNop())

	_, err := uc.VerifyOnce(context.Background(), "user-1", pngImage(t))
	if !errors.Is(err, verification.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.verify_once" {
		t.Fatalf("expected operation error, got %#v", err)
	}
}

type stubStats stream.Stats

func (s stubStats) Stats() stream.Stats { return stream.Stats(s) }

func TestGetStreamMetricsDerivesRates(t *testing.T) {
	metrics := GetStreamMetrics(stubStats{ResultsDelivered: 10, Failures: 2, LockTransitions: 5})
	if metrics.FailureRate != 0.2 || metrics.LockRate != 0.5 {
		t.Fatalf("unexpected rates: %+v", metrics)
	}

	empty := GetStreamMetrics(stubStats{})
	if empty.FailureRate != 0 || empty.LockRate != 0 {
		t.Fatalf("expected zero rates, got %+v", empty)
	}
}
