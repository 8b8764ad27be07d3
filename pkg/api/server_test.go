package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yrippert-maker/papa-app-sub003/pkg/anchoring"
	"github.com/yrippert-maker/papa-app-sub003/pkg/artifacts"
	"github.com/yrippert-maker/papa-app-sub003/pkg/deadletter"
	"github.com/yrippert-maker/papa-app-sub003/pkg/keylifecycle"
	"github.com/yrippert-maker/papa-app-sub003/pkg/ledger"
	"github.com/yrippert-maker/papa-app-sub003/pkg/proof"
	"github.com/yrippert-maker/papa-app-sub003/pkg/signing"
)

const filePayload = `{"file_id":"f-1","filename":"card.pdf","sha256":"9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08","size_bytes":42}`

type testServer struct {
	handler http.Handler
	events  *ledger.MemoryStore
	keys    *signing.Service
}

func newTestServer(t *testing.T, limiter *RateLimiter, jwtSecret string) *testServer {
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
	events := ledger.NewMemoryStore()
	pipe := ledger.NewPipeline(events, sink, ledger.WithSigner(keys))

	policy, err := keylifecycle.NewPolicy("")
	require.NoError(t, err)
	lifecycle := keylifecycle.NewService(keylifecycle.NewMemoryRequestStore(), keylifecycle.NewMemoryBreakGlassStore(),
		keys, pipe, policy, keylifecycle.Config{})

	receipts, err := artifacts.NewFileStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	anchors := anchoring.NewMemoryStore()
	anchorSvc := anchoring.NewService(anchors, events, anchoring.NewLocalChain(), receipts, anchoring.DefaultConfig())

	srv := NewServer(Deps{
		Pipeline:  pipe,
		Signing:   keys,
		Keys:      lifecycle,
		Anchoring: anchorSvc,
		Proofs:    proof.NewService(events, keys, anchors),
		Actors:    NewActorResolver(jwtSecret),
		Limiter:   limiter,
	})
	return &testServer{handler: srv.Handler(), events: events, keys: keys}
}

func (ts *testServer) do(t *testing.T, method, path, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(HeaderActorID, actor)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func appendBody(eventType, payload string) string {
	return `{"event_type":"` + eventType + `","payload":` + payload + `}`
}

func TestLedgerRoutes(t *testing.T) {
	ts := newTestServer(t, nil, "")

	rr := ts.do(t, http.MethodPost, "/api/v1/ledger/events", "", appendBody("FILE_REGISTERED", filePayload))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/ledger/events", "alice", appendBody("FILE_REGISTERED", filePayload))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[appendResponse](t, rr)
	assert.Equal(t, int64(1), created.ID)
	assert.Len(t, created.BlockHash, 64)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr = ts.do(t, http.MethodPost, "/api/v1/ledger/events", "alice", appendBody("NOT_A_TYPE", `{}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "VALIDATION", decode[ProblemDetail](t, rr).Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/ledger/events", "alice", `{"event_type":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	forged := map[string]string{
		"KEY_ROTATED":          `{"new_key_id":"k-evil"}`,
		"BREAK_GLASS_ACTION":   `{"actor":"alice","action":"ROTATE_KEY"}`,
		"KEY_REQUEST_APPROVED": `{"request_id":"r","approver_id":"mallory"}`,
	}
	for typ, payload := range forged {
		rr = ts.do(t, http.MethodPost, "/api/v1/ledger/events", "alice", appendBody(typ, payload))
		assert.Equal(t, http.StatusForbidden, rr.Code, typ)
		assert.Equal(t, "RESERVED_EVENT_TYPE", decode[ProblemDetail](t, rr).Code, typ)
	}

	rr = ts.do(t, http.MethodGet, "/api/v1/ledger/events/1", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	ev := decode[ledger.Event](t, rr)
	assert.Equal(t, created.BlockHash, ev.BlockHash)
	require.NotNil(t, ev.Signature)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/ledger/events/99", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/ledger/events/abc", "", "").Code)

	rr = ts.do(t, http.MethodGet, "/api/v1/ledger/verify", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	vr := decode[verifyResponse](t, rr)
	assert.True(t, vr.Valid)
	assert.Equal(t, int64(1), vr.EventsChecked)

	rr = ts.do(t, http.MethodGet, "/api/v1/ledger/events/1/proof", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	b := decode[proof.Bundle](t, rr)
	assert.True(t, b.ChainValid)
	require.NotNil(t, b.SignatureValid)
	assert.True(t, *b.SignatureValid)
	assert.Nil(t, b.Anchor)
}

func TestLedgerVerify_IntegrityConflict(t *testing.T) {
	ts := newTestServer(t, nil, "")
	for i := 0; i < 2; i++ {
		rr := ts.do(t, http.MethodPost, "/api/v1/ledger/events", "alice", appendBody("FILE_REGISTERED", filePayload))
		require.Equal(t, http.StatusCreated, rr.Code)
	}
	ts.events.Tamper(1, func(e *ledger.Event) { e.Payload = json.RawMessage(`{"file_id":"forged"}`) })

	rr := ts.do(t, http.MethodGet, "/api/v1/ledger/verify", "", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	p := decode[ProblemDetail](t, rr)
	assert.Equal(t, "INTEGRITY", p.Code)
	assert.Contains(t, p.Detail, "hash mismatch")

	// The proof still answers and reports the failure.
	rr = ts.do(t, http.MethodGet, "/api/v1/ledger/events/2/proof", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[proof.Bundle](t, rr).ChainValid)
}

func TestEvidenceRoutes(t *testing.T) {
	ts := newTestServer(t, nil, "")
	hash := strings.Repeat("ab", 32)

	rr := ts.do(t, http.MethodPost, "/api/v1/evidence/sign", "auditor", `{"hash":"`+hash+`"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	sig := decode[signing.Signature](t, rr)
	assert.NotEmpty(t, sig.Value)

	rr = ts.do(t, http.MethodPost, "/api/v1/evidence/sign", "auditor", `{"hash":"XYZ"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// key_id omitted: the active key is used.
	rr = ts.do(t, http.MethodPost, "/api/v1/evidence/verify", "", `{"hash":"`+hash+`","signature":"`+sig.Value+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[signing.Inspection](t, rr).Valid)

	tampered := strings.Repeat("cd", 32)
	rr = ts.do(t, http.MethodPost, "/api/v1/evidence/verify", "",
		`{"hash":"`+tampered+`","signature":"`+sig.Value+`","key_id":"`+sig.KeyID+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[signing.Inspection](t, rr).Valid)
}

func TestKeyRequestFlow(t *testing.T) {
	ts := newTestServer(t, nil, "")

	// Direct rotation needs dual control under the default policy.
	rr := ts.do(t, http.MethodPost, "/api/v1/keys/rotate", "alice", `{"reason":"scheduled"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(keylifecycle.CodeDualControlRequired), decode[ProblemDetail](t, rr).Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/keys/requests", "alice", `{"operation":"ROTATE_KEY","reason":"scheduled"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	req := decode[keylifecycle.Request](t, rr)
	assert.Equal(t, keylifecycle.StatusPending, req.Status)

	rr = ts.do(t, http.MethodPost, "/api/v1/keys/requests/"+req.ID+"/approve", "alice", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(keylifecycle.CodeTwoManRule), decode[ProblemDetail](t, rr).Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/keys/requests/"+req.ID+"/approve", "bob", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, keylifecycle.StatusApproved, decode[keylifecycle.Request](t, rr).Status)

	rr = ts.do(t, http.MethodPost, "/api/v1/keys/requests/"+req.ID+"/reject", "carol", `{"reason":"late"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/keys/requests/"+req.ID+"/execute", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, keylifecycle.StatusExecuted, decode[keylifecycle.Request](t, rr).Status)

	rr = ts.do(t, http.MethodPost, "/api/v1/keys/requests/"+req.ID+"/frobnicate", "alice", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/v1/keys/requests/nope/approve", "bob", "").Code)

	rr = ts.do(t, http.MethodGet, "/api/v1/keys/requests?status=EXECUTED", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	listed := decode[struct {
		Requests []keylifecycle.Request `json:"requests"`
	}](t, rr)
	assert.Len(t, listed.Requests, 1)

	rr = ts.do(t, http.MethodGet, "/api/v1/keys", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	keys := decode[struct {
		ActiveKeyID string              `json:"active_key_id"`
		Keys        []signing.KeyRecord `json:"keys"`
	}](t, rr)
	assert.Len(t, keys.Keys, 2)
	assert.NotEmpty(t, keys.ActiveKeyID)

	rr = ts.do(t, http.MethodPost, "/api/v1/keys/"+keys.ActiveKeyID+"/revoke", "alice", `{"reason":"test"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, string(keylifecycle.CodeActiveKeyRevocation), decode[ProblemDetail](t, rr).Code)
}

func TestBreakGlassRoutes(t *testing.T) {
	ts := newTestServer(t, nil, "")

	rr := ts.do(t, http.MethodGet, "/api/v1/break-glass", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[keylifecycle.BreakGlass](t, rr).Active)

	rr = ts.do(t, http.MethodPost, "/api/v1/break-glass", "alice", `{"reason":"incident","duration":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/break-glass", "alice", `{"reason":"incident","duration":"30m"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, decode[keylifecycle.BreakGlass](t, rr).Active)

	rr = ts.do(t, http.MethodPost, "/api/v1/break-glass", "bob", `{"reason":"again"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/keys/rotate", "alice", `{"reason":"compromise"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotNil(t, decode[signing.Rotation](t, rr).Archived)

	rr = ts.do(t, http.MethodPost, "/api/v1/break-glass/deactivate", "alice", `{"reason":"resolved"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	bg := decode[keylifecycle.BreakGlass](t, rr)
	assert.False(t, bg.Active)
	require.Len(t, bg.ActionsTaken, 1)
	assert.Equal(t, string(keylifecycle.OpRotateKey), bg.ActionsTaken[0].Action)
}

func TestAnchoringRoutes(t *testing.T) {
	ts := newTestServer(t, nil, "")
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated,
			ts.do(t, http.MethodPost, "/api/v1/ledger/events", "alice", appendBody("FILE_REGISTERED", filePayload)).Code)
	}

	rr := ts.do(t, http.MethodGet, "/api/v1/anchoring/health", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, anchoring.HealthFailed, decode[anchoring.Health](t, rr).Status)

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/api/v1/anchoring/run", "", "").Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/anchoring/run", "ops", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	a := decode[anchoring.Anchor](t, rr)
	assert.Equal(t, anchoring.StatusPending, a.Status)
	assert.Equal(t, 3, a.EventCount)

	rr = ts.do(t, http.MethodPost, "/api/v1/anchoring/reconcile", "ops", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[anchoring.ReconcileReport](t, rr).Confirmed)

	rr = ts.do(t, http.MethodGet, "/api/v1/ledger/events/2/proof", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	b := decode[proof.Bundle](t, rr)
	require.NotNil(t, b.Anchor)
	assert.Equal(t, anchoring.StatusConfirmed, b.Anchor.Status)
	assert.NotNil(t, b.MerkleProof)
	assert.True(t, b.Verified())

	rr = ts.do(t, http.MethodGet, "/api/v1/anchoring/health", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, anchoring.HealthOK, decode[anchoring.Health](t, rr).Status)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "OK", body["status"])
	assert.NotNil(t, body["lastConfirmedAt"])
	assert.Contains(t, body, "chainId")
	assert.Contains(t, body, "pendingOlderThanHours")
}

func TestRateLimitedVerification(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(NewMemoryWindowStore(), 2, time.Minute).WithClock(func() time.Time { return now })
	ts := newTestServer(t, limiter, "")

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/ledger/verify", "", "").Code)
	}
	rr := ts.do(t, http.MethodGet, "/api/v1/ledger/verify", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))

	// Another identity has its own window; unlimited routes are unaffected.
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/ledger/verify", "auditor", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/keys", "", "").Code)

	now = now.Add(61 * time.Second)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/ledger/verify", "", "").Code)
}

func TestActorFromJWT(t *testing.T) {
	const secret = "test-jwt-secret"
	ts := newTestServer(t, nil, secret)

	sign := func(claims jwt.Claims, key string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return tok
	}
	send := func(auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ledger/events",
			bytes.NewBufferString(appendBody("FILE_REGISTERED", filePayload)))
		req.Header.Set(HeaderActorID, "spoofed")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rr := httptest.NewRecorder()
		ts.handler.ServeHTTP(rr, req)
		return rr
	}

	valid := sign(jwt.RegisteredClaims{Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}, secret)
	rr := send("Bearer " + valid)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	ev, err := ts.events.Get(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, ev.ActorID)
	assert.Equal(t, "alice", *ev.ActorID)

	// The header is ignored once tokens are required.
	assert.Equal(t, http.StatusUnauthorized, send("").Code)
	assert.Equal(t, http.StatusUnauthorized, send("Basic abc").Code)
	forged := sign(jwt.RegisteredClaims{Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}, "other")
	assert.Equal(t, http.StatusUnauthorized, send("Bearer "+forged).Code)
	expired := sign(jwt.RegisteredClaims{Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}, secret)
	assert.Equal(t, http.StatusUnauthorized, send("Bearer "+expired).Code)
	noSub := sign(jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}, secret)
	assert.Equal(t, http.StatusUnauthorized, send("Bearer "+noSub).Code)
}

func TestMemoryWindowStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryWindowStore()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	ok, _, err := s.Hit(ctx, "k", t0, 10*time.Second, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _, _ = s.Hit(ctx, "k", t0.Add(4*time.Second), 10*time.Second, 2)
	assert.True(t, ok)

	ok, retry, _ := s.Hit(ctx, "k", t0.Add(5*time.Second), 10*time.Second, 2)
	assert.False(t, ok)
	assert.Equal(t, 5*time.Second, retry)

	// The first hit slides out.
	ok, _, _ = s.Hit(ctx, "k", t0.Add(11*time.Second), 10*time.Second, 2)
	assert.True(t, ok)

	s.Sweep(t0.Add(time.Hour), 10*time.Second)
	s.mu.Lock()
	assert.Empty(t, s.hits)
	s.mu.Unlock()
}

func TestNewRedisWindowStore_BadURL(t *testing.T) {
	_, err := NewRedisWindowStore("not-a-url://")
	assert.Error(t, err)

	s, err := NewRedisWindowStore("redis://localhost:6379/0")
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestDomainErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&ledger.ValidationError{EventType: "X", Reason: "bad"}, http.StatusBadRequest},
		{signing.ErrInvalidHash, http.StatusBadRequest},
		{ledger.ErrNotFound, http.StatusNotFound},
		{&ledger.DeadLetterError{EventType: "X", Attempts: 5, Persisted: true}, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		WriteDomainError(rr, httptest.NewRequest(http.MethodGet, "/x", nil), tc.err)
		assert.Equal(t, tc.status, rr.Code, "%v", tc.err)
		assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	}
}

// TestRedisWindowStore_Integration requires a running Redis and skips
// otherwise.
func TestRedisWindowStore_Integration(t *testing.T) {
	s, err := NewRedisWindowStore("redis://localhost:6379/0")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	if err := s.client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	s.prefix = "papa:ratelimit:test:" + t.Name() + ":" + time.Now().Format(time.RFC3339Nano) + ":"

	now := time.Now()
	ok, _, err := s.Hit(ctx, "k", now, time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, retry, err := s.Hit(ctx, "k", now.Add(time.Second), time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.InDelta(t, (59 * time.Second).Seconds(), retry.Seconds(), 1)
}
