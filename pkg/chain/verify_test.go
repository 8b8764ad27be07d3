package chain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yrippert-maker/papa-app-sub003/pkg/canonicalize"
)

func strp(s string) *string { return &s }

// buildChain produces n current-format records linked from genesis.
func buildChain(t *testing.T, n int) []Record {
	t.Helper()
	var prev *string
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		payload := fmt.Sprintf(`{"seq": %d, "file_id": "f-%d"}`, i, i)
		canonical, err := canonicalize.JCSString([]byte(payload))
		require.NoError(t, err)
		ts := fmt.Sprintf("2025-01-0%dT10:00:00.000Z", i%9+1)
		actor := "user-1"
		h := ComputeEventHash(deref(prev), "FILE_REGISTERED", ts, actor, canonical)
		out = append(out, Record{
			ID:          int64(i + 1),
			EventType:   "FILE_REGISTERED",
			PayloadJSON: payload,
			PrevHash:    prev,
			BlockHash:   h,
			CreatedAt:   strp(ts),
			ActorID:     strp(actor),
		})
		prev = strp(h)
	}
	return out
}

func TestComputeEventHash_Deterministic(t *testing.T) {
	a := ComputeEventHash("p", "T", "2025-01-01T00:00:00.000Z", "u", `{"a":1}`)
	b := ComputeEventHash("p", "T", "2025-01-01T00:00:00.000Z", "u", `{"a":1}`)
	assert.Equal(t, a, b)
	assert.True(t, canonicalize.IsHexDigest(a))
}

func TestComputeEventHash_EveryFieldMatters(t *testing.T) {
	base := ComputeEventHash("p", "T", "2025-01-01T00:00:00.000Z", "u", `{"a":1}`)
	variants := map[string]string{
		"prev_hash":  ComputeEventHash("q", "T", "2025-01-01T00:00:00.000Z", "u", `{"a":1}`),
		"event_type": ComputeEventHash("p", "X", "2025-01-01T00:00:00.000Z", "u", `{"a":1}`),
		"created_at": ComputeEventHash("p", "T", "2025-01-01T00:00:00.001Z", "u", `{"a":1}`),
		"actor_id":   ComputeEventHash("p", "T", "2025-01-01T00:00:00.000Z", "v", `{"a":1}`),
		"payload":    ComputeEventHash("p", "T", "2025-01-01T00:00:00.000Z", "u", `{"a":2}`),
	}
	for field, h := range variants {
		assert.NotEqual(t, base, h, field)
	}
}

func TestVerifyLedgerChain_Valid(t *testing.T) {
	require.NoError(t, VerifyLedgerChain(buildChain(t, 5)))
	require.NoError(t, VerifyLedgerChain(nil))
}

func TestVerifyLedgerChain_PayloadLayoutIrrelevant(t *testing.T) {
	recs := buildChain(t, 2)
	recs[0].PayloadJSON = `{ "file_id":"f-0",   "seq":0 }`
	require.NoError(t, VerifyLedgerChain(recs))
}

func TestVerifyLedgerChain_HashMismatch(t *testing.T) {
	recs := buildChain(t, 4)
	recs[2].BlockHash = "0000000000000000000000000000000000000000000000000000000000000000"
	// Keep the successor linked to the corrupted value so only the hash is wrong.
	recs[3].PrevHash = strp(recs[2].BlockHash)

	err := VerifyLedgerChain(recs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
	assert.Contains(t, err.Error(), "event 3")
	assert.True(t, errors.Is(err, ErrHashMismatch))

	var ie *IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, int64(3), ie.EventID)
	assert.Equal(t, 2, ie.Index)
}

func TestVerifyLedgerChain_CorruptedBlockHashBreaksOnlyItself(t *testing.T) {
	recs := buildChain(t, 3)
	recs[1].BlockHash = ComputeEventHash("x", "y", "z", "w", "{}")

	err := VerifyLedgerChain(recs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
	assert.Contains(t, err.Error(), "event 2")
}

func TestVerifyLedgerChain_PayloadTamper(t *testing.T) {
	recs := buildChain(t, 3)
	recs[1].PayloadJSON = `{"seq": 1, "file_id": "forged"}`
	err := VerifyLedgerChain(recs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestVerifyLedgerChain_ChainBreak(t *testing.T) {
	recs := buildChain(t, 4)
	recs[2].PrevHash = strp(recs[0].BlockHash)

	err := VerifyLedgerChain(recs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain break")
	assert.Contains(t, err.Error(), "event 3")
	assert.ErrorIs(t, err, ErrChainBreak)
	assert.True(t, IsIntegrityError(err))
}

func TestVerifyLedgerChain_GenesisMustHaveNullPrev(t *testing.T) {
	recs := buildChain(t, 2)
	err := VerifyLedgerChain(recs[1:])
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainBreak)
}

func TestVerifyFrom_Segment(t *testing.T) {
	recs := buildChain(t, 5)
	require.NoError(t, VerifyFrom(recs[1].PrevHash, recs[1:]))
	require.Error(t, VerifyFrom(strp("deadbeef"), recs[2:]))
}

func TestVerifyLedgerChain_LegacyAndMixed(t *testing.T) {
	canonical, err := canonicalize.JCSString([]byte(`{"doc":"a"}`))
	require.NoError(t, err)
	h1 := ComputeLegacyEventHash("DOCUMENT_PUBLISHED", canonical, "")
	h2 := ComputeEventHash(h1, "DOCUMENT_PUBLISHED", "2025-02-01T00:00:00.000Z", "", canonical)

	recs := []Record{
		{ID: 1, EventType: "DOCUMENT_PUBLISHED", PayloadJSON: `{"doc":"a"}`, BlockHash: h1},
		{ID: 2, EventType: "DOCUMENT_PUBLISHED", PayloadJSON: `{"doc":"a"}`, PrevHash: strp(h1), BlockHash: h2,
			CreatedAt: strp("2025-02-01T00:00:00.000Z")},
	}
	require.NoError(t, VerifyLedgerChain(recs))

	f, err := MatchFormat(recs[0])
	require.NoError(t, err)
	assert.Equal(t, FormatLegacy.Name, f.Name)
	f, err = MatchFormat(recs[1])
	require.NoError(t, err)
	assert.Equal(t, FormatCurrent.Name, f.Name)
}

func TestMatchFormat_LegacyOverStoredBytes(t *testing.T) {
	// Historical writers hashed payload_json as stored, keys unsorted.
	raw1 := `{"item_id":"x","delta":1,"reason":"r"}`
	raw2 := `{ "doc" : "b" }`
	h1 := ComputeLegacyEventHash("INVENTORY_ADJUSTED", raw1, "")
	h2 := ComputeLegacyEventHash("DOCUMENT_PUBLISHED", raw2, h1)

	recs := []Record{
		{ID: 1, EventType: "INVENTORY_ADJUSTED", PayloadJSON: raw1, BlockHash: h1},
		{ID: 2, EventType: "DOCUMENT_PUBLISHED", PayloadJSON: raw2, PrevHash: strp(h1), BlockHash: h2},
	}
	require.NoError(t, VerifyLedgerChain(recs))
	for _, r := range recs {
		f, err := MatchFormat(r)
		require.NoError(t, err)
		assert.Equal(t, FormatLegacy.Name, f.Name)
	}

	recs[1].PayloadJSON = `{ "doc" : "c" }`
	assert.ErrorIs(t, VerifyLedgerChain(recs), ErrHashMismatch)
}

func TestMatchFormat_CurrentRequiresCanonicalPayload(t *testing.T) {
	raw := `{"b":1,"a":2}`
	ts := "2025-02-01T00:00:00.000Z"
	rec := Record{ID: 1, EventType: "X", PayloadJSON: raw, CreatedAt: strp(ts),
		BlockHash: ComputeEventHash("", "X", ts, "", raw)}
	_, err := MatchFormat(rec)
	assert.Error(t, err)
}

func TestMatchFormat_GenesisWithoutTimestampOrActorIsLegacy(t *testing.T) {
	canonical := `{"a":1}`
	assert.Equal(t, ComputeEventHash("", "X", "", "", canonical), ComputeLegacyEventHash("X", canonical, ""))

	f, err := MatchFormat(Record{EventType: "X", PayloadJSON: canonical, BlockHash: ComputeLegacyEventHash("X", canonical, "")})
	require.NoError(t, err)
	assert.Equal(t, FormatLegacy.Name, f.Name)
}

func TestVerifyLedgerChain_ActorPayloadBoundaryShiftIsMismatch(t *testing.T) {
	ts := "2025-02-01T00:00:00.000Z"
	h := ComputeEventHash("", "X", ts, "u", `{"a":1}`)
	shifted := Record{ID: 1, EventType: "X", PayloadJSON: `"a":1}`, BlockHash: h,
		CreatedAt: strp(ts), ActorID: strp(`u{`)}
	assert.ErrorIs(t, VerifyLedgerChain([]Record{shifted}), ErrHashMismatch)
}

func TestVerifyLedgerChain_InvalidPayloadIsMismatch(t *testing.T) {
	recs := buildChain(t, 1)
	recs[0].PayloadJSON = "{not json"
	err := VerifyLedgerChain(recs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestFormatTimestamp(t *testing.T) {
	ts, err := timeParse("2025-03-04T05:06:07.089+02:00")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-04T03:06:07.089Z", FormatTimestamp(ts))
}
