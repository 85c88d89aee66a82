package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// FileChunk is one fixed-size slice of a file. Immutable once produced;
// Index is the sole reassembly key.
type FileChunk struct {
	ID       string
	Index    int
	Data     []byte
	Size     int
	Checksum string
}

// ChunkCount returns ceil(size / chunkSize).
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// ChecksumOf returns the hex SHA-256 of a chunk payload.
func ChecksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ReadChunk produces chunk index from src. The final chunk carries the
// remainder; every other chunk is exactly chunkSize bytes.
func ReadChunk(src io.ReaderAt, size int64, chunkSize, index int, checksum bool) (*FileChunk, error) {
	offset := int64(index) * int64(chunkSize)
	if offset >= size {
		return nil, fmt.Errorf("chunk index %d out of range", index)
	}
	n := int64(chunkSize)
	if offset+n > size {
		n = size - offset
	}
	buf := make([]byte, n)
	if _, err := src.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	chunk := &FileChunk{
		ID:    uuid.NewString(),
		Index: index,
		Data:  buf,
		Size:  int(n),
	}
	if checksum {
		chunk.Checksum = ChecksumOf(buf)
	}
	return chunk, nil
}

// Assemble concatenates chunks strictly in index order, independent of the
// order they arrived in. A gap or a duplicate-induced shortfall is an
// error, never silent corruption.
func Assemble(chunks map[int]*FileChunk, totalChunks int) ([]byte, error) {
	var total int
	for i := 0; i < totalChunks; i++ {
		c, ok := chunks[i]
		if !ok {
			return nil, fmt.Errorf("missing chunk %d of %d", i, totalChunks)
		}
		total += c.Size
	}
	out := make([]byte, 0, total)
	for i := 0; i < totalChunks; i++ {
		out = append(out, chunks[i].Data...)
	}
	return out, nil
}
