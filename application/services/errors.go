package services

import (
	"context"
	"errors"

	"mindmap-history/domain/history"
	pkgerrors "mindmap-history/pkg/errors"
)

// FromHistoryError maps engine failures onto the error catalogue used at
// the transport boundary. Errors that are already transport errors pass
// through unchanged.
func FromHistoryError(err error) error {
	if err == nil {
		return nil
	}
	if pkgerrors.GetDomainError(err) != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var (
		malformed *history.MalformedPatchError
		apply     *history.PatchApplicationError
		tooLarge  *history.SizeLimitExceededError
	)
	switch {
	case errors.As(err, &tooLarge):
		return pkgerrors.ErrSnapshotTooLarge.Clone().
			WithCause(err).
			WithDetail("size", tooLarge.Size).
			WithDetail("limit", tooLarge.Limit)
	case errors.Is(err, history.ErrIndexConflict):
		return pkgerrors.ErrConcurrentEdit.Clone().WithCause(err)
	}

	if bc, ok := history.IsBrokenChain(err); ok {
		return pkgerrors.ErrHistoryCorrupted.Clone().
			WithCause(err).
			WithDetail("snapshotId", bc.SnapshotID).
			WithDetail("eventId", bc.EventID).
			WithDetail("eventIndex", bc.EventIndex)
	}

	switch {
	case errors.As(err, &apply):
		out := pkgerrors.ErrDeltaNotApplicable.Clone().
			WithCause(err).
			WithDetail("operationIndex", apply.Index).
			WithDetail("entityId", apply.Operation.EntityID)
		if errors.As(apply.Cause, &malformed) && malformed.Path != "" {
			out.WithDetail("path", malformed.Path)
		}
		return out
	case errors.As(err, &malformed):
		out := pkgerrors.ErrMalformedDelta.Clone().WithCause(err)
		if malformed.EntityID != "" {
			out.WithDetail("entityId", malformed.EntityID)
		}
		if malformed.Path != "" {
			out.WithDetail("path", malformed.Path)
		}
		return out
	}
	return err
}
