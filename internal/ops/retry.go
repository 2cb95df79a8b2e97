package ops

import (
	"context"
	goerrors "errors"
	"os"
	"syscall"

	"github.com/cenkalti/backoff/v4"

	"github.com/holdfast-dev/holdfast/internal/errors"
)

// ClassifyFSError maps a filesystem error into the core taxonomy.
// Permission-denied and disk-full are transient: a layer above may retry
// them with backoff. A read-only filesystem is fatal for the attempt.
// Typed Holdfast errors pass through unchanged.
func ClassifyFSError(err error) *errors.HoldfastError {
	if err == nil {
		return nil
	}
	if hErr, ok := err.(*errors.HoldfastError); ok {
		return hErr
	}
	if goerrors.Is(err, syscall.EROFS) {
		return errors.NewInternal(err)
	}
	if os.IsPermission(err) ||
		goerrors.Is(err, syscall.ENOSPC) ||
		goerrors.Is(err, syscall.EDQUOT) ||
		goerrors.Is(err, syscall.EAGAIN) ||
		goerrors.Is(err, syscall.EBUSY) {
		return errors.NewTransient(err)
	}
	return errors.NewInternal(err)
}

// RetryingWriter wraps a Writer with bounded exponential backoff over
// transient environment errors. Anything else (conflicts, invalid
// transitions, dedup unavailability) is permanent and returned on the
// first attempt.
type RetryingWriter struct {
	writer  *Writer
	backoff func() backoff.BackOff
}

// NewRetryingWriter creates a RetryingWriter with maxRetries attempts after
// the first failure.
func NewRetryingWriter(writer *Writer, maxRetries uint64) *RetryingWriter {
	return &RetryingWriter{
		writer: writer,
		backoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries)
		},
	}
}

// WriteAtomic retries the underlying atomic write while it fails with
// TRANSIENT errors.
func (r *RetryingWriter) WriteAtomic(ctx context.Context, captureID, formattedContent string) (*ExportResult, error) {
	var res *ExportResult
	op := func() error {
		var err error
		res, err = r.writer.WriteAtomic(ctx, captureID, formattedContent)
		return permanentUnlessTransient(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(r.backoff(), ctx)); err != nil {
		return nil, err
	}
	return res, nil
}

// WritePlaceholder retries the placeholder export the same way.
func (r *RetryingWriter) WritePlaceholder(ctx context.Context, captureID string) (*ExportResult, error) {
	var res *ExportResult
	op := func() error {
		var err error
		res, err = r.writer.WritePlaceholder(ctx, captureID)
		return permanentUnlessTransient(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(r.backoff(), ctx)); err != nil {
		return nil, err
	}
	return res, nil
}

// permanentUnlessTransient stops the backoff loop for every non-transient
// error.
func permanentUnlessTransient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errors.ErrTransient) {
		return err
	}
	return backoff.Permanent(err)
}
