package models

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	OutcomeAnalyzed    = "analyzed"
	OutcomeRescanned   = "rescanned"
	OutcomeKnown       = "known"
	OutcomeUnsupported = "unsupported"
)

// ScanResult is the serialized payload attached to a completed job.
type ScanResult struct {
	Outcome   string            `json:"outcome"`
	FileHash  string            `json:"file_hash"`
	FileName  string            `json:"file_name"`
	Score     float64           `json:"score"`
	Features  []string          `json:"features,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ScanCount int               `json:"scan_count"`
}

// SerializeResult encodes a scan result for storage on the job record.
func SerializeResult(result *ScanResult) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scan result: %w", err)
	}

	return data, nil
}

// DeserializeResult decodes a stored result payload. Empty input yields nil
// without error, since pending and failed jobs carry no payload.
func DeserializeResult(payload []byte) (*ScanResult, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	var result ScanResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scan result: %w", err)
	}

	return &result, nil
}

// Report is what the analysis engine produces for a processable file.
type Report struct {
	Score    float64
	Features []string
	Metadata map[string]string
}

// Engine is the external analysis collaborator. Its internals are a black
// box to this package: given a file it decides whether the content is
// processable and, if so, produces a scored report.
type Engine interface {
	CanProcess(ctx context.Context, path string) (bool, error)
	Analyze(ctx context.Context, path string) (*Report, error)
}
