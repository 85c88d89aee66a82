package transfer

import (
	"encoding/json"
	"fmt"
)

// Control message types carried as text frames on the file channel. A
// chunk-header is immediately followed by exactly one binary frame holding
// the chunk bytes; the channel is ordered, so the pairing never splits.
const (
	MsgFileInfo         = "file-info"
	MsgChunkRequest     = "chunk-request"
	MsgChunkHeader      = "chunk-header"
	MsgTransferComplete = "transfer-complete"
	MsgTransferError    = "transfer-error"
)

type envelope struct {
	Type string `json:"type"`
}

type fileInfoMessage struct {
	Type           string `json:"type"`
	FileID         string `json:"fileId"`
	FileName       string `json:"fileName"`
	FileSize       int64  `json:"fileSize"`
	FileType       string `json:"fileType"`
	TotalChunks    int    `json:"totalChunks"`
	ChunkSize      int    `json:"chunkSize"`
	EnableChecksum bool   `json:"enableChecksum"`
}

type chunkRequestMessage struct {
	Type       string `json:"type"`
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
}

type chunkHeaderMessage struct {
	Type       string `json:"type"`
	FileID     string `json:"fileId"`
	ChunkID    string `json:"chunkId"`
	ChunkIndex int    `json:"chunkIndex"`
	ChunkSize  int    `json:"chunkSize"`
	Checksum   string `json:"checksum,omitempty"`
}

type transferCompleteMessage struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
}

type transferErrorMessage struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
	Error  string `json:"error"`
}

func encodeControl(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode control message: %w", err)
	}
	return data, nil
}

func controlType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("malformed control message: %w", err)
	}
	return env.Type, nil
}

func decodeControl(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode control message: %w", err)
	}
	return nil
}
