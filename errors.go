package tilecache

import (
	"errors"
	"fmt"

	"github.com/hupe1980/tilecache/internal/cache"
	"github.com/hupe1980/tilecache/internal/dispatch"
	"github.com/hupe1980/tilecache/internal/lifecycle"
	"github.com/hupe1980/tilecache/internal/pipeline"
	"github.com/hupe1980/tilecache/internal/resource"
	"github.com/hupe1980/tilecache/internal/thumb"
	"github.com/hupe1980/tilecache/internal/viewport"
	"github.com/hupe1980/tilecache/model"
)

var (
	// ErrDecode is matched by every thumbnail decode failure.
	ErrDecode = thumb.ErrDecode

	// ErrAdmissionRejected is reported through metrics and events when a
	// tile is degraded to a placeholder because the budget had no room.
	ErrAdmissionRejected = errors.New("admission rejected")

	// ErrSessionCancelled is returned by calls on a session that was closed
	// or replaced by a newer one.
	ErrSessionCancelled = errors.New("session cancelled")

	// ErrBudgetTooSmall is returned when the memory budget cannot hold a
	// single thumbnail of the configured size.
	ErrBudgetTooSmall = resource.ErrBudgetTooSmall

	// ErrInvalidConfig is returned for contradictory or out-of-range settings.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrClosed is returned after the Gallery was closed.
	ErrClosed = errors.New("gallery closed")

	// ErrUnknownTile is returned for fingerprints the session does not know.
	ErrUnknownTile = model.ErrUnknownTile

	// ErrInvalidTransition is returned for lifecycle moves the state machine forbids.
	ErrInvalidTransition = lifecycle.ErrInvalidTransition
)

// DecodeError is the error type of a failed decode.
type DecodeError = thumb.DecodeError

// BuildError is the error remembered for a failed build until it expires.
type BuildError = cache.BuildError

// translateError maps internal sentinels onto the public ones.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, pipeline.ErrPipelineClosed), errors.Is(err, dispatch.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, viewport.ErrInvalidGeometry), errors.Is(err, pipeline.ErrInvalidBatchSize),
		errors.Is(err, resource.ErrInvalidBudget):
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	case errors.Is(err, cache.ErrDiscarded):
		return fmt.Errorf("%w: %w", ErrSessionCancelled, err)
	default:
		return err
	}
}
