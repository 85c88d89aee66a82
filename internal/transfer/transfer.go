package transfer

import (
	"io"
	"time"
)

// Status is a transfer's lifecycle state. Completed, Failed and Cancelled
// are terminal.
type Status int

const (
	StatusPending Status = iota
	StatusTransferring
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusTransferring:
		return "transferring"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FileMetadata describes the file being moved.
type FileMetadata struct {
	Name     string
	Size     int64
	MimeType string
}

// TransferringFile is one in-flight transfer, owned exclusively by the
// engine. Peers are referenced by opaque id only; the entry holds no
// connection handles.
type TransferringFile struct {
	ID             string
	Meta           FileMetadata
	TotalChunks    int
	ChunkSize      int
	EnableChecksum bool

	Status           Status
	StartTime        time.Time
	TransferredBytes int64
	RetryCount       int

	sending bool
	started bool

	// Sender side.
	src      io.ReaderAt
	closer   io.Closer
	requests chan int
	resume   chan struct{}
	cancel   chan struct{}

	// Receiver side: sparse chunk table keyed by index.
	chunks    map[int]*FileChunk
	nextIndex int
}

// Progress is the snapshot emitted after every chunk.
type Progress struct {
	TransferID       string
	FileName         string
	TotalBytes       int64
	TransferredBytes int64
	// Speed is bytes per second since the transfer started.
	Speed float64
	// Remaining estimates time to completion at the current speed.
	Remaining time.Duration
}

func (t *TransferringFile) progress(now time.Time) Progress {
	p := Progress{
		TransferID:       t.ID,
		FileName:         t.Meta.Name,
		TotalBytes:       t.Meta.Size,
		TransferredBytes: t.TransferredBytes,
	}
	elapsed := now.Sub(t.StartTime).Seconds()
	if elapsed > 0 {
		p.Speed = float64(t.TransferredBytes) / elapsed
	}
	if p.Speed > 0 {
		remaining := float64(t.Meta.Size-t.TransferredBytes) / p.Speed
		p.Remaining = time.Duration(remaining * float64(time.Second))
	}
	return p
}
