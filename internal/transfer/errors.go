package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrChannelNotReady  = errors.New("no data channel attached")
	ErrChannelClosed    = errors.New("data channel closed")
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")
	ErrRetryExhausted   = errors.New("chunk retry budget exhausted")
	ErrPeerReported     = errors.New("peer reported transfer error")

	errCancelled = errors.New("transfer cancelled")
)

// TransferError wraps a failure with the operation and file it happened in.
type TransferError struct {
	Op   string
	File string
	Err  error
}

func (e *TransferError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.File, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func newFileError(op, file string, err error) *TransferError {
	return &TransferError{Op: op, File: file, Err: err}
}
