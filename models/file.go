package models

import (
	"context"
	"time"
)

// ScannedFile is the content-addressed record of one distinct file ever
// analyzed, keyed by its content hash.
type ScannedFile struct {
	FileHash       string
	FileName       string
	FileSize       int64
	Score          float64
	Features       []string
	Metadata       map[string]string
	OwnerID        string
	ScanCount      int
	FirstScannedAt time.Time
	LastScannedAt  time.Time
}

type FileRepository interface {
	Get(ctx context.Context, fileHash string) (ScannedFile, error)
	Upsert(ctx context.Context, file *ScannedFile) error
	// IncrementScanCount atomically bumps the scan counter and refreshes the
	// last-scanned timestamp. When ownerID is non-empty and the record is
	// still anonymous, ownership is attached in the same update.
	IncrementScanCount(ctx context.Context, fileHash, ownerID string, scannedAt time.Time) (ScannedFile, error)
}
