package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/passport-check/internal/imagecheck"
	"github.com/example/passport-check/internal/logging"
	"github.com/example/passport-check/internal/verification"
)

// VerifyResult is the outcome of a one-shot verification.
type VerifyResult struct {
	RequestID  string                 `json:"request_id"`
	Checklist  verification.Checklist `json:"-"`
	Passed     bool                   `json:"passed"`
	DurationMs int64                  `json:"duration_ms"`
}

// VerificationUseCase runs single verifications outside a streaming session.
type VerificationUseCase struct {
	verifier verification.Verifier
	logger   *zap.Logger
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(verifier verification.Verifier, logger *zap.Logger) *VerificationUseCase {
	return &VerificationUseCase{
		verifier: verifier,
		logger:   logger.Named("verification_usecase"),
	}
}

// VerifyOnce validates image and evaluates it against the compliance rules.
func (uc *VerificationUseCase) VerifyOnce(ctx context.Context, userID string, image []byte) (*VerifyResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify_once", requestID)

	if _, err := imagecheck.Validate(image); err != nil {
		return nil, logging.NewOperationError("usecase.verify_once", requestID, fmt.Errorf("%w: %w", ErrInvalidImage, err))
	}

	start := time.Now()
	checklist, err := uc.verifier.Verify(ctx, image)
	duration := time.Since(start)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.verify_once", requestID, err)
		opLogger.Warn("verification failed", zap.Error(wrapped), zap.Int64("duration_ms", duration.Milliseconds()))
		return nil, wrapped
	}

	opLogger.Info("verification completed",
		zap.String("user_id", userID),
		zap.Ints("checklist", checklist.Ints()),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)
	return &VerifyResult{
		RequestID:  requestID,
		Checklist:  checklist,
		Passed:     checklist.AllPassed(),
		DurationMs: duration.Milliseconds(),
	}, nil
}
