// Package transfer moves files over an open data channel as ordered,
// checksummed chunks. The receiver drives pacing by requesting each chunk;
// the sender honors the channel's buffered-amount backpressure so memory
// stays bounded no matter how fast the file reads.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultChunkSize              = 64 * 1024
	DefaultMaxConcurrentTransfers = 3
	DefaultHighWaterMark          = 16 * 1024 * 1024
	DefaultLowWaterMark           = 1024 * 1024
	DefaultRetryAttempts          = 3
	DefaultRetryDelay             = 500 * time.Millisecond

	// drainPollInterval bounds how long a backpressure wait can miss the
	// buffered-amount-low signal before re-checking the watermark.
	drainPollInterval = 20 * time.Millisecond
)

// Config tunes the engine. Zero values fall back to the defaults above;
// DisableChecksum turns the per-chunk SHA-256 feature gate off.
type Config struct {
	ChunkSize              int
	MaxConcurrentTransfers int
	HighWaterMark          uint64
	LowWaterMark           uint64
	DisableChecksum        bool
	RetryAttempts          int
	RetryDelay             time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxConcurrentTransfers <= 0 {
		c.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = DefaultHighWaterMark
	}
	if c.LowWaterMark == 0 {
		c.LowWaterMark = DefaultLowWaterMark
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Callbacks is the engine's bounded event surface. Each transfer reports
// exactly one terminal event: Complete, Failed or Cancelled. Data is nil
// for completed sends; for completed receives it is the reassembled file.
type Callbacks struct {
	Progress  func(p Progress)
	Complete  func(id string, meta FileMetadata, data []byte)
	Failed    func(id string, err error)
	Cancelled func(id string)
}

// Engine owns every TransferringFile entry on one data channel.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	cb  Callbacks

	ch    Channel
	drain chan struct{}

	// sendMu serializes header+payload pairs so concurrent transfers
	// cannot interleave frames between a header and its chunk bytes.
	sendMu sync.Mutex

	transfers  map[string]*TransferringFile
	queue      []string
	active     int
	lastHeader *chunkHeaderMessage
}

// New creates an engine. Transfers cannot start before Attach.
func New(cfg Config, cb Callbacks) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		cb:        cb,
		transfers: make(map[string]*TransferringFile),
	}
}

// Attach binds a ready, open data channel and arms its callbacks. A
// replacement channel starts from a clean slate; transfers lost to the
// previous channel's close must be re-initiated.
func (e *Engine) Attach(ch Channel) {
	e.mu.Lock()
	e.ch = ch
	e.drain = make(chan struct{}, 1)
	drain := e.drain
	e.mu.Unlock()

	ch.SetBufferedAmountLowThreshold(e.cfg.LowWaterMark)
	ch.OnBufferedAmountLow(func() {
		select {
		case drain <- struct{}{}:
		default:
		}
	})
	ch.OnMessage(e.handleMessage)
	ch.OnClose(func() {
		e.handleChannelClose(ch)
	})
}

// SendFile queues a file from disk and returns the transfer id.
func (e *Engine) SendFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return "", fmt.Errorf("stat file: %w", err)
	}
	meta := FileMetadata{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MimeType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
	}
	id, err := e.send(meta, f, f)
	if err != nil {
		f.Close()
	}
	return id, err
}

// SendReader queues a transfer from an in-memory or seekable source.
func (e *Engine) SendReader(meta FileMetadata, src io.ReaderAt) (string, error) {
	return e.send(meta, src, nil)
}

func (e *Engine) send(meta FileMetadata, src io.ReaderAt, closer io.Closer) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ch == nil {
		return "", ErrChannelNotReady
	}

	tf := &TransferringFile{
		ID:             uuid.NewString(),
		Meta:           meta,
		TotalChunks:    ChunkCount(meta.Size, e.cfg.ChunkSize),
		ChunkSize:      e.cfg.ChunkSize,
		EnableChecksum: !e.cfg.DisableChecksum,
		Status:         StatusPending,
		sending:        true,
		src:            src,
		closer:         closer,
		requests:       make(chan int, 64),
		resume:         make(chan struct{}, 1),
		cancel:         make(chan struct{}),
	}
	e.transfers[tf.ID] = tf
	e.queue = append(e.queue, tf.ID)
	e.admitLocked()
	return tf.ID, nil
}

// admitLocked starts queued sends while concurrency slots remain. FIFO:
// excess transfers wait their turn in submission order.
func (e *Engine) admitLocked() {
	for e.active < e.cfg.MaxConcurrentTransfers && len(e.queue) > 0 {
		id := e.queue[0]
		e.queue = e.queue[1:]
		tf, ok := e.transfers[id]
		if !ok || tf.Status != StatusPending {
			continue
		}
		tf.Status = StatusTransferring
		if tf.StartTime.IsZero() {
			tf.StartTime = time.Now()
		}
		e.active++
		go e.runSender(tf)
	}
}

func (e *Engine) release() {
	e.mu.Lock()
	e.active--
	e.admitLocked()
	e.mu.Unlock()
}

// runSender announces the file and then answers chunk requests until the
// final chunk is out. Pull-based: the receiver paces us one request at a
// time, in index order.
func (e *Engine) runSender(tf *TransferringFile) {
	defer e.release()

	e.mu.Lock()
	started := tf.started
	tf.started = true
	e.mu.Unlock()

	if !started {
		info := fileInfoMessage{
			Type:           MsgFileInfo,
			FileID:         tf.ID,
			FileName:       tf.Meta.Name,
			FileSize:       tf.Meta.Size,
			FileType:       tf.Meta.MimeType,
			TotalChunks:    tf.TotalChunks,
			ChunkSize:      tf.ChunkSize,
			EnableChecksum: tf.EnableChecksum,
		}
		if err := e.sendControl(info); err != nil {
			e.fail(tf, newFileError("announce file", tf.Meta.Name, err), false)
			return
		}
		if tf.TotalChunks == 0 {
			e.sendControl(transferCompleteMessage{Type: MsgTransferComplete, FileID: tf.ID})
			e.completeSender(tf)
			return
		}
	}

	for {
		select {
		case <-tf.cancel:
			return

		case <-tf.resume:
			e.mu.Lock()
			st := tf.Status
			e.mu.Unlock()
			if st != StatusTransferring {
				// Paused or terminal: give the concurrency slot back.
				// Parked requests stay queued for the next admission.
				return
			}

		case idx := <-tf.requests:
			e.mu.Lock()
			st := tf.Status
			e.mu.Unlock()

			switch st {
			case StatusPaused:
				// Park the request for the next admission and give the
				// concurrency slot back.
				tf.requests <- idx
				return
			case StatusTransferring:
			default:
				return
			}

			if idx < 0 || idx >= tf.TotalChunks {
				slog.Warn("chunk request out of range", "transfer", tf.ID, "index", idx)
				continue
			}

			if err := e.sendChunk(tf, idx); err != nil {
				if errors.Is(err, errCancelled) {
					return
				}
				e.fail(tf, err, true)
				return
			}

			if idx == tf.TotalChunks-1 {
				e.sendControl(transferCompleteMessage{Type: MsgTransferComplete, FileID: tf.ID})
				e.completeSender(tf)
				return
			}
		}
	}
}

// sendChunk reads, frames and transmits one chunk, retrying transient send
// failures up to the configured budget.
func (e *Engine) sendChunk(tf *TransferringFile, idx int) error {
	for attempt := 0; ; attempt++ {
		if err := e.waitForWindow(tf); err != nil {
			return err
		}

		chunk, err := ReadChunk(tf.src, tf.Meta.Size, tf.ChunkSize, idx, tf.EnableChecksum)
		if err != nil {
			return newFileError("read chunk", tf.Meta.Name, err)
		}

		header := chunkHeaderMessage{
			Type:       MsgChunkHeader,
			FileID:     tf.ID,
			ChunkID:    chunk.ID,
			ChunkIndex: chunk.Index,
			ChunkSize:  chunk.Size,
			Checksum:   chunk.Checksum,
		}
		headerData, err := encodeControl(header)
		if err != nil {
			return newFileError("frame chunk", tf.Meta.Name, err)
		}

		ch := e.channel()
		if ch == nil {
			return ErrChannelClosed
		}

		e.sendMu.Lock()
		err = ch.SendText(headerData)
		if err == nil {
			err = ch.Send(chunk.Data)
		}
		e.sendMu.Unlock()

		if err != nil {
			e.mu.Lock()
			tf.RetryCount++
			e.mu.Unlock()
			if attempt >= e.cfg.RetryAttempts {
				return newFileError("send chunk", tf.Meta.Name, fmt.Errorf("%w: %v", ErrRetryExhausted, err))
			}
			select {
			case <-time.After(e.cfg.RetryDelay):
			case <-tf.cancel:
				return errCancelled
			}
			continue
		}

		e.mu.Lock()
		tf.TransferredBytes += int64(chunk.Size)
		p := tf.progress(time.Now())
		e.mu.Unlock()
		e.emitProgress(p)
		return nil
	}
}

// waitForWindow blocks while the channel's outstanding buffered bytes sit
// above the high-water mark. The wait observes cancellation and channel
// teardown; it never spins the caller.
func (e *Engine) waitForWindow(tf *TransferringFile) error {
	for {
		e.mu.Lock()
		ch, drain := e.ch, e.drain
		e.mu.Unlock()

		if ch == nil {
			return ErrChannelClosed
		}
		if ch.BufferedAmount() <= e.cfg.HighWaterMark {
			return nil
		}

		select {
		case <-drain:
		case <-tf.cancel:
			return errCancelled
		case <-time.After(drainPollInterval):
		}
	}
}

// Pause moves a Transferring entry to Paused; its concurrency slot frees
// up for queued transfers. Unknown ids and other states are no-ops.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	tf, ok := e.transfers[id]
	if !ok || tf.Status != StatusTransferring {
		e.mu.Unlock()
		return nil
	}
	tf.Status = StatusPaused
	sending := tf.sending
	e.mu.Unlock()

	if sending {
		// Wake a sender parked on its request queue so it can yield.
		select {
		case tf.resume <- struct{}{}:
		default:
		}
	}
	return nil
}

// Resume re-enqueues a Paused send, or re-requests the next chunk of a
// paused receive. Unknown ids and other states are no-ops.
func (e *Engine) Resume(id string) error {
	e.mu.Lock()
	tf, ok := e.transfers[id]
	if !ok || tf.Status != StatusPaused {
		e.mu.Unlock()
		return nil
	}
	if tf.sending {
		tf.Status = StatusPending
		e.queue = append(e.queue, tf.ID)
		e.admitLocked()
		e.mu.Unlock()
		return nil
	}
	tf.Status = StatusTransferring
	next := tf.nextIndex
	e.mu.Unlock()

	e.sendControl(chunkRequestMessage{Type: MsgChunkRequest, FileID: id, ChunkIndex: next})
	return nil
}

// Cancel moves any non-terminal transfer to Cancelled, removing it from
// the active table and the pending queue. Exactly one cancelled event
// fires; the counterpart learns through a transfer-error message.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	tf, ok := e.transfers[id]
	if !ok || tf.Status.terminal() {
		e.mu.Unlock()
		return nil
	}
	tf.Status = StatusCancelled
	delete(e.transfers, id)
	e.dequeueLocked(id)
	if tf.sending {
		close(tf.cancel)
	}
	e.mu.Unlock()

	if tf.closer != nil {
		tf.closer.Close()
	}
	e.sendControl(transferErrorMessage{Type: MsgTransferError, FileID: id, Error: "cancelled by peer"})
	if e.cb.Cancelled != nil {
		e.cb.Cancelled(id)
	}
	return nil
}

// Status returns the state of a known transfer.
func (e *Engine) Status(id string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tf, ok := e.transfers[id]
	if !ok {
		return StatusPending, false
	}
	return tf.Status, true
}

// ProgressOf returns the current snapshot for a known transfer.
func (e *Engine) ProgressOf(id string) (Progress, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tf, ok := e.transfers[id]
	if !ok {
		return Progress{}, false
	}
	return tf.progress(time.Now()), true
}

// QueuedTransfers returns the ids still waiting for admission, in order.
func (e *Engine) QueuedTransfers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.queue))
	copy(out, e.queue)
	return out
}

func (e *Engine) dequeueLocked(id string) {
	for i, qid := range e.queue {
		if qid == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

func (e *Engine) channel() Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

func (e *Engine) sendControl(v any) error {
	ch := e.channel()
	if ch == nil {
		return ErrChannelNotReady
	}
	data, err := encodeControl(v)
	if err != nil {
		return err
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return ch.SendText(data)
}

func (e *Engine) emitProgress(p Progress) {
	if e.cb.Progress != nil {
		e.cb.Progress(p)
	}
}

func (e *Engine) completeSender(tf *TransferringFile) {
	e.mu.Lock()
	if tf.Status.terminal() {
		e.mu.Unlock()
		return
	}
	tf.Status = StatusCompleted
	delete(e.transfers, tf.ID)
	e.mu.Unlock()

	if tf.closer != nil {
		tf.closer.Close()
	}
	if e.cb.Complete != nil {
		e.cb.Complete(tf.ID, tf.Meta, nil)
	}
}

// fail surfaces one failure for the whole transfer, not one per chunk.
func (e *Engine) fail(tf *TransferringFile, err error, notifyPeer bool) {
	e.mu.Lock()
	if tf.Status.terminal() {
		e.mu.Unlock()
		return
	}
	tf.Status = StatusFailed
	delete(e.transfers, tf.ID)
	e.dequeueLocked(tf.ID)
	if tf.sending {
		select {
		case <-tf.cancel:
		default:
			close(tf.cancel)
		}
	}
	e.mu.Unlock()

	if tf.closer != nil {
		tf.closer.Close()
	}
	if notifyPeer {
		e.sendControl(transferErrorMessage{Type: MsgTransferError, FileID: tf.ID, Error: err.Error()})
	}
	slog.Warn("transfer failed", "transfer", tf.ID, "file", tf.Meta.Name, "err", err)
	if e.cb.Failed != nil {
		e.cb.Failed(tf.ID, err)
	}
}

// handleChannelClose marks every outstanding transfer in both directions
// Failed. There is no automatic resume across a channel replacement.
func (e *Engine) handleChannelClose(ch Channel) {
	e.mu.Lock()
	if e.ch != ch {
		e.mu.Unlock()
		return
	}
	e.ch = nil
	e.queue = nil
	outstanding := make([]*TransferringFile, 0, len(e.transfers))
	for _, tf := range e.transfers {
		outstanding = append(outstanding, tf)
	}
	e.mu.Unlock()

	for _, tf := range outstanding {
		e.fail(tf, newFileError("transfer", tf.Meta.Name, ErrChannelClosed), false)
	}
}

func (e *Engine) handleMessage(data []byte, binary bool) {
	if binary {
		e.handleChunkData(data)
		return
	}

	typ, err := controlType(data)
	if err != nil {
		slog.Warn("dropping malformed control message", "err", err)
		return
	}

	switch typ {
	case MsgFileInfo:
		var m fileInfoMessage
		if unmarshalControl(data, &m) {
			e.handleFileInfo(m)
		}
	case MsgChunkRequest:
		var m chunkRequestMessage
		if unmarshalControl(data, &m) {
			e.handleChunkRequest(m)
		}
	case MsgChunkHeader:
		var m chunkHeaderMessage
		if unmarshalControl(data, &m) {
			e.mu.Lock()
			e.lastHeader = &m
			e.mu.Unlock()
		}
	case MsgTransferComplete:
		// The receiver finalizes on its own chunk count; nothing to do.
	case MsgTransferError:
		var m transferErrorMessage
		if unmarshalControl(data, &m) {
			e.handleTransferError(m)
		}
	default:
		slog.Warn("unknown control message type", "type", typ)
	}
}

// handleFileInfo accepts an incoming transfer and requests the first
// chunk; the receiver drives pacing from here on.
func (e *Engine) handleFileInfo(m fileInfoMessage) {
	tf := &TransferringFile{
		ID: m.FileID,
		Meta: FileMetadata{
			Name:     m.FileName,
			Size:     m.FileSize,
			MimeType: m.FileType,
		},
		TotalChunks:    m.TotalChunks,
		ChunkSize:      m.ChunkSize,
		EnableChecksum: m.EnableChecksum,
		Status:         StatusTransferring,
		StartTime:      time.Now(),
		chunks:         make(map[int]*FileChunk),
	}

	e.mu.Lock()
	e.transfers[tf.ID] = tf
	e.mu.Unlock()

	if tf.TotalChunks == 0 {
		e.mu.Lock()
		tf.Status = StatusCompleted
		delete(e.transfers, tf.ID)
		e.mu.Unlock()
		if e.cb.Complete != nil {
			e.cb.Complete(tf.ID, tf.Meta, []byte{})
		}
		return
	}

	e.sendControl(chunkRequestMessage{Type: MsgChunkRequest, FileID: tf.ID, ChunkIndex: 0})
}

func (e *Engine) handleChunkRequest(m chunkRequestMessage) {
	e.mu.Lock()
	tf, ok := e.transfers[m.FileID]
	e.mu.Unlock()
	if !ok || !tf.sending {
		return
	}
	select {
	case tf.requests <- m.ChunkIndex:
	default:
		slog.Warn("request queue full", "transfer", m.FileID, "index", m.ChunkIndex)
	}
}

// handleChunkData pairs a binary frame with the header that preceded it,
// verifies, stores and requests the next index. A checksum mismatch is
// discarded and the same index re-requested under the retry budget.
func (e *Engine) handleChunkData(data []byte) {
	e.mu.Lock()
	header := e.lastHeader
	e.lastHeader = nil
	var tf *TransferringFile
	if header != nil {
		tf = e.transfers[header.FileID]
	}
	e.mu.Unlock()

	if header == nil {
		slog.Warn("chunk payload without header", "bytes", len(data))
		return
	}
	if tf == nil || tf.sending {
		return
	}

	if len(data) != header.ChunkSize ||
		(tf.EnableChecksum && header.Checksum != "" && ChecksumOf(data) != header.Checksum) {
		e.retryChunk(tf, header.ChunkIndex)
		return
	}

	chunk := &FileChunk{
		ID:       header.ChunkID,
		Index:    header.ChunkIndex,
		Data:     append([]byte(nil), data...),
		Size:     len(data),
		Checksum: header.Checksum,
	}

	e.mu.Lock()
	if tf.Status.terminal() {
		e.mu.Unlock()
		return
	}
	if _, dup := tf.chunks[chunk.Index]; !dup {
		tf.chunks[chunk.Index] = chunk
		tf.TransferredBytes += int64(chunk.Size)
	}
	tf.nextIndex = chunk.Index + 1
	complete := len(tf.chunks) == tf.TotalChunks
	paused := tf.Status == StatusPaused
	p := tf.progress(time.Now())
	e.mu.Unlock()

	e.emitProgress(p)

	if complete {
		e.finishReceive(tf)
		return
	}
	if !paused {
		e.sendControl(chunkRequestMessage{Type: MsgChunkRequest, FileID: tf.ID, ChunkIndex: chunk.Index + 1})
	}
}

func (e *Engine) retryChunk(tf *TransferringFile, index int) {
	e.mu.Lock()
	tf.RetryCount++
	exhausted := tf.RetryCount > e.cfg.RetryAttempts
	e.mu.Unlock()

	if exhausted {
		e.fail(tf, newFileError("verify chunk", tf.Meta.Name, ErrChecksumMismatch), true)
		return
	}

	slog.Warn("chunk rejected, re-requesting", "transfer", tf.ID, "index", index, "retry", tf.RetryCount)
	time.AfterFunc(e.cfg.RetryDelay, func() {
		e.mu.Lock()
		_, alive := e.transfers[tf.ID]
		st := tf.Status
		e.mu.Unlock()
		if alive && st == StatusTransferring {
			e.sendControl(chunkRequestMessage{Type: MsgChunkRequest, FileID: tf.ID, ChunkIndex: index})
		}
	})
}

// finishReceive reassembles strictly by index and reports the completed
// file.
func (e *Engine) finishReceive(tf *TransferringFile) {
	e.mu.Lock()
	chunks := tf.chunks
	e.mu.Unlock()

	data, err := Assemble(chunks, tf.TotalChunks)
	if err != nil {
		e.fail(tf, newFileError("reassemble", tf.Meta.Name, err), true)
		return
	}

	e.mu.Lock()
	if tf.Status.terminal() {
		e.mu.Unlock()
		return
	}
	tf.Status = StatusCompleted
	delete(e.transfers, tf.ID)
	e.mu.Unlock()

	if e.cb.Complete != nil {
		e.cb.Complete(tf.ID, tf.Meta, data)
	}
}

func (e *Engine) handleTransferError(m transferErrorMessage) {
	e.mu.Lock()
	tf, ok := e.transfers[m.FileID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.fail(tf, fmt.Errorf("%w: %s", ErrPeerReported, m.Error), false)
}

func unmarshalControl(data []byte, v any) bool {
	if err := decodeControl(data, v); err != nil {
		slog.Warn("dropping malformed control message", "err", err)
		return false
	}
	return true
}
