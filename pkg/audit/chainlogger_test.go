package audit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendChainsRecords(t *testing.T) {
	logger := NewChainLogger()

	first := logger.Append("journal_entry.posted", "entry-1", `{"amount":"50"}`)
	second := logger.Append("envelope.updated", "env-1", `{"balance_after":"150"}`)

	assert.Equal(t, strings.Repeat("0", 64), first.PreviousHash)
	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.NotEmpty(t, first.Hash)
	assert.NotEqual(t, first.Hash, second.Hash)

	records := logger.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "entry-1", records[0].Ref)
	assert.Equal(t, "env-1", records[1].Ref)
}

func TestVerifyChain(t *testing.T) {
	logger := NewChainLogger()
	for i := 0; i < 5; i++ {
		logger.Append("journal_entry.posted", "entry", "{}")
	}
	records := logger.Records()
	assert.True(t, VerifyChain(records))

	// Tampering with any field breaks verification.
	records[2].Payload = `{"amount":"9999"}`
	assert.False(t, VerifyChain(records))
}

func TestVerifyChainDetectsReordering(t *testing.T) {
	logger := NewChainLogger()
	logger.Append("a", "1", "{}")
	logger.Append("b", "2", "{}")
	logger.Append("c", "3", "{}")

	records := logger.Records()
	records[1], records[2] = records[2], records[1]
	assert.False(t, VerifyChain(records))
}

func TestVerifyChainEmpty(t *testing.T) {
	assert.True(t, VerifyChain(nil))
}
