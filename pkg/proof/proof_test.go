package proof

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yrippert-maker/papa-app-sub003/pkg/anchoring"
	"github.com/yrippert-maker/papa-app-sub003/pkg/artifacts"
	"github.com/yrippert-maker/papa-app-sub003/pkg/deadletter"
	"github.com/yrippert-maker/papa-app-sub003/pkg/ledger"
	"github.com/yrippert-maker/papa-app-sub003/pkg/merkle"
	"github.com/yrippert-maker/papa-app-sub003/pkg/signing"
)

type fixture struct {
	proofs    *Service
	events    *ledger.MemoryStore
	pipe      *ledger.Pipeline
	keys      *signing.Service
	anchors   *anchoring.MemoryStore
	anchoring *anchoring.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	vault, err := signing.OpenVault(filepath.Join(dir, "keystore.json"), "secret")
	require.NoError(t, err)
	keys := signing.NewService(signing.NewMemoryMetadataStore(), vault, signing.Ed25519)
	_, err = keys.EnsureActiveKey(ctx)
	require.NoError(t, err)

	sink, err := deadletter.NewFileSink(filepath.Join(dir, "dead_letter.jsonl"), deadletter.Rotation{})
	require.NoError(t, err)
	receipts, err := artifacts.NewFileStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)

	f := &fixture{events: ledger.NewMemoryStore(), keys: keys, anchors: anchoring.NewMemoryStore()}
	f.pipe = ledger.NewPipeline(f.events, sink, ledger.WithSigner(keys))
	f.anchoring = anchoring.NewService(f.anchors, f.events, anchoring.NewLocalChain(), receipts, anchoring.Config{})
	f.proofs = NewService(f.events, keys, f.anchors)
	return f
}

func (f *fixture) publish(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.pipe.AppendPayload(context.Background(), "inspector-7", ledger.DocumentPublished{
			DocumentID:  fmt.Sprintf("doc-%d", i),
			Version:     1,
			Title:       "Work card",
			ContentHash: fmt.Sprintf("%064x", i+1),
		})
		require.NoError(t, err)
	}
}

func TestGetEventProof_FullBundle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, 5)
	_, err := f.anchoring.Run(ctx)
	require.NoError(t, err)
	_, err = f.anchoring.Reconcile(ctx)
	require.NoError(t, err)

	b, err := f.proofs.GetEventProof(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.Event.ID)
	require.NotNil(t, b.SignatureValid)
	assert.True(t, *b.SignatureValid)
	assert.True(t, b.ChainValid)
	assert.Equal(t, int64(3), b.EventsChecked)
	require.NotNil(t, b.Anchor)
	assert.Equal(t, anchoring.StatusConfirmed, b.Anchor.Status)
	require.NotNil(t, b.MerkleProof)
	assert.True(t, merkle.VerifyEvent(*b.MerkleProof, 3, b.Event.BlockHash, *b.Anchor.MerkleRoot))
	assert.True(t, b.Verified())
}

func TestGetEventProof_NotAnchoredYet(t *testing.T) {
	f := newFixture(t)
	f.publish(t, 1)

	b, err := f.proofs.GetEventProof(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, b.ChainValid)
	assert.Nil(t, b.Anchor)
	assert.Nil(t, b.MerkleProof)
}

func TestGetEventProof_UnknownEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.proofs.GetEventProof(context.Background(), 42)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestGetEventProof_RevokedKeyKeepsContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, 1)
	rot, err := f.keys.Rotate(ctx)
	require.NoError(t, err)
	_, err = f.keys.Revoke(ctx, rot.Archived.KeyID, "laptop stolen")
	require.NoError(t, err)

	b, err := f.proofs.GetEventProof(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, b.Signature)
	assert.True(t, b.Signature.Valid, "signature math still holds")
	assert.True(t, b.Signature.Revoked())
	require.NotNil(t, b.Signature.RevocationReason)
	assert.Equal(t, "laptop stolen", *b.Signature.RevocationReason)
	assert.True(t, b.KeyRevoked)
	assert.True(t, b.ChainValid)
	assert.False(t, b.Verified())
}

func TestGetEventProof_TamperIsReportedNotRaised(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publish(t, 4)
	_, err := f.anchoring.Run(ctx)
	require.NoError(t, err)
	before, err := f.anchors.Covering(ctx, 1)
	require.NoError(t, err)

	f.events.Tamper(2, func(e *ledger.Event) { e.Payload = []byte(`{"forged":true}`) })

	early, err := f.proofs.GetEventProof(ctx, 1)
	require.NoError(t, err)
	assert.True(t, early.ChainValid, "events before the tamper still verify")

	late, err := f.proofs.GetEventProof(ctx, 3)
	require.NoError(t, err)
	assert.False(t, late.ChainValid)
	assert.Contains(t, late.ChainError, "hash mismatch")
	assert.False(t, late.Verified())

	after, err := f.anchors.Covering(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, before, after, "proofs never touch anchor state")
}
