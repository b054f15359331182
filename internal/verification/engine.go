package verification

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/passport-check/internal/inference"
	"github.com/example/passport-check/internal/logging"
)

var (
	// ErrCancelled means the caller pre-empted the request or disconnected. It is
	// never reported to clients.
	ErrCancelled = errors.New("verification cancelled")
	// ErrTimeout means the inference call exceeded its deadline.
	ErrTimeout = errors.New("verification timed out")
	// ErrUpstreamUnavailable means the inference collaborator failed.
	ErrUpstreamUnavailable = errors.New("inference upstream unavailable")
)

// DefaultTimeout bounds a single inference call.
const DefaultTimeout = 10 * time.Second

// Verifier is the contract the streaming sessions and the one-shot endpoint depend on.
type Verifier interface {
	Verify(ctx context.Context, frame []byte) (Checklist, error)
}

// Engine is a stateless adapter between frames and the inference collaborator.
type Engine struct {
	client  inference.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewEngine constructs an engine. A non-positive timeout selects DefaultTimeout.
func NewEngine(client inference.Client, timeout time.Duration, logger *zap.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		client:  client,
		timeout: timeout,
		logger:  logger.Named("verification_engine"),
	}
}

// Verify sends one frame to the collaborator and maps the response. Cancelling
// ctx aborts the in-flight call.
func (e *Engine) Verify(ctx context.Context, frame []byte) (Checklist, error) {
	if err := ctx.Err(); err != nil {
		return Checklist{}, ErrCancelled
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	report, err := e.client.Inspect(callCtx, frame)
	if err != nil {
		classified := classify(ctx, callCtx, err)
		if !errors.Is(classified, ErrCancelled) {
			e.logger.Warn("inference call failed",
				zap.Error(err),
				zap.Duration("duration", time.Since(start)),
			)
		}
		return Checklist{}, classified
	}

	checklist := MapReport(report)
	e.logger.Debug("frame verified",
		zap.Ints("checklist", checklist.Ints()),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return checklist, nil
}

// classify maps a collaborator failure onto the verification error taxonomy.
// The parent context distinguishes caller cancellation from our own deadline.
func classify(parent, call context.Context, err error) error {
	switch {
	case parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded):
		return ErrCancelled
	case errors.Is(err, context.Canceled) && parent.Err() == nil && call.Err() == nil:
		return ErrCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(call.Err(), context.DeadlineExceeded):
		return logging.NewOperationError("verification.inspect", "", errors.Join(ErrTimeout, err))
	default:
		return logging.NewOperationError("verification.inspect", "", errors.Join(ErrUpstreamUnavailable, err))
	}
}
