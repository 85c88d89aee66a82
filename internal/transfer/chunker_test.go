package transfer

import (
	"bytes"
	"testing"
)

func TestChunkCount(t *testing.T) {
	tests := []struct {
		size      int64
		chunkSize int
		want      int
	}{
		{0, 64 * 1024, 0},
		{-1, 64 * 1024, 0},
		{1, 64 * 1024, 1},
		{64 * 1024, 64 * 1024, 1},
		{64*1024 + 1, 64 * 1024, 2},
		{10 * 1024 * 1024, 64 * 1024, 160},
		{10*1024*1024 + 5, 64 * 1024, 161},
	}
	for _, tt := range tests {
		if got := ChunkCount(tt.size, tt.chunkSize); got != tt.want {
			t.Errorf("ChunkCount(%d, %d) = %d, want %d", tt.size, tt.chunkSize, got, tt.want)
		}
	}
}

func TestReadChunkSizes(t *testing.T) {
	// 2.5 chunks: two full, one remainder.
	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i)
	}
	src := bytes.NewReader(data)

	for _, tt := range []struct {
		index    int
		wantSize int
	}{
		{0, 4},
		{1, 4},
		{2, 2},
	} {
		chunk, err := ReadChunk(src, 10, 4, tt.index, true)
		if err != nil {
			t.Fatalf("ReadChunk(%d): %v", tt.index, err)
		}
		if chunk.Size != tt.wantSize || len(chunk.Data) != tt.wantSize {
			t.Errorf("chunk %d size = %d, want %d", tt.index, chunk.Size, tt.wantSize)
		}
		if chunk.Index != tt.index {
			t.Errorf("chunk index = %d, want %d", chunk.Index, tt.index)
		}
		if chunk.Checksum != ChecksumOf(chunk.Data) {
			t.Errorf("chunk %d checksum mismatch", tt.index)
		}
		if !bytes.Equal(chunk.Data, data[tt.index*4:tt.index*4+tt.wantSize]) {
			t.Errorf("chunk %d carries wrong bytes", tt.index)
		}
	}
}

func TestReadChunkOutOfRange(t *testing.T) {
	src := bytes.NewReader(make([]byte, 10))
	if _, err := ReadChunk(src, 10, 4, 3, false); err == nil {
		t.Error("index past the file should error")
	}
}

func TestReadChunkWithoutChecksum(t *testing.T) {
	src := bytes.NewReader(make([]byte, 10))
	chunk, err := ReadChunk(src, 10, 4, 0, false)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if chunk.Checksum != "" {
		t.Errorf("checksum %q, want empty when disabled", chunk.Checksum)
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	data := []byte("chunk payload")
	sum := ChecksumOf(data)
	data[3] ^= 0x01
	if ChecksumOf(data) == sum {
		t.Error("flipping a byte should change the checksum")
	}
}

func TestAssembleOrdersByIndex(t *testing.T) {
	// Arrival order is scrambled; output order must follow Index.
	chunks := map[int]*FileChunk{
		2: {Index: 2, Data: []byte("cc"), Size: 2},
		0: {Index: 0, Data: []byte("aaaa"), Size: 4},
		1: {Index: 1, Data: []byte("bbbb"), Size: 4},
	}
	out, err := Assemble(chunks, 3)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if string(out) != "aaaabbbbcc" {
		t.Errorf("Assemble = %q", out)
	}
}

func TestAssembleRejectsGaps(t *testing.T) {
	chunks := map[int]*FileChunk{
		0: {Index: 0, Data: []byte("aaaa"), Size: 4},
		2: {Index: 2, Data: []byte("cc"), Size: 2},
	}
	if _, err := Assemble(chunks, 3); err == nil {
		t.Error("missing chunk should error, not silently corrupt")
	}
}
