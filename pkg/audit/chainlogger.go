package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Record is a single hash-chained audit record of one ledger or envelope
// event. Each record's hash covers the previous record's hash, so any
// tampering with history breaks the chain.
type Record struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Kind         string `json:"kind"`
	Ref          string `json:"ref"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger provides a tamper-evident trail of posting and envelope
// events.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	records      []*Record
}

// NewChainLogger creates a chain logger initialized with a zero hash.
func NewChainLogger() *ChainLogger {
	return &ChainLogger{previousHash: strings.Repeat("0", 64)}
}

// Append adds a record for the given event kind and entity reference.
func (c *ChainLogger) Append(kind, ref, payload string) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := &Record{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Kind:         kind,
		Ref:          ref,
		Payload:      payload,
	}
	rec.Hash = hashRecord(rec)

	c.previousHash = rec.Hash
	c.records = append(c.records, rec)
	return rec
}

// Records returns the full trail in append order.
func (c *ChainLogger) Records() []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Record, len(c.records))
	copy(out, c.records)
	return out
}

// VerifyChain checks that a slice of records forms an unbroken, untampered
// hash chain.
func VerifyChain(records []*Record) bool {
	for i, rec := range records {
		if i > 0 && rec.PreviousHash != records[i-1].Hash {
			return false
		}
		if hashRecord(rec) != rec.Hash {
			return false
		}
	}
	return true
}

func hashRecord(rec *Record) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%s", rec.PreviousHash, rec.Timestamp, rec.Kind, rec.Ref, rec.Payload)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
