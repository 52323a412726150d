package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kokukuma/oid4vp-verifier/internal/kv"
	"github.com/kokukuma/oid4vp-verifier/internal/model"
	"github.com/kokukuma/oid4vp-verifier/responseendpoint"
	"github.com/kokukuma/oid4vp-verifier/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Unix(1700000000, 0)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newKV(c *clock) kv.Store {
	return kv.NewMemoryStore(kv.WithMemoryClock(c.Now))
}

func TestRequestStore(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := NewRequestStore(newKV(c), WithClock(c.Now))

	got, err := s.GetRequest(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	req := &responseendpoint.VpRequest{
		ID:           "req-1",
		ResponseType: "vp_token",
		IssuedAt:     c.Now().Unix(),
		ExpiredIn:    10,
	}
	require.NoError(t, s.SaveRequest(ctx, req))

	// back-fill of nonce and dcql
	req.Nonce = "n"
	req.DCQLQuery = `[{"id":"learning_credential"}]`
	require.NoError(t, s.SaveRequest(ctx, req))

	got, err = s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, req, got)

	// still readable after its own expiry
	c.Advance(30 * time.Second)
	got, err = s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	c.Advance(DefaultRetention)
	got, err = s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRequestStoreResponseIsRedeemedOnce(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := NewRequestStore(newKV(c), WithClock(c.Now))

	res := &responseendpoint.AuthResponse{
		ID:        "code-1",
		RequestID: "req-1",
		Payload:   responseendpoint.AuthResponsePayload{VPToken: map[string]interface{}{"q": []interface{}{"a~b~"}}, IDToken: "id"},
		IssuedAt:  c.Now().Unix(),
		ExpiredIn: 600,
	}
	require.NoError(t, s.SaveResponse(ctx, res))

	got, err := s.GetResponse(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, res, got)

	got, err = s.GetResponse(ctx, "code-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRequestStoreReleaseEncryptionKey(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := NewRequestStore(newKV(c), WithClock(c.Now))

	require.NoError(t, s.SaveRequest(ctx, &responseendpoint.VpRequest{
		ID:                   "req-1",
		ResponseType:         "vp_token",
		IssuedAt:             c.Now().Unix(),
		ExpiredIn:            600,
		EncryptionPublicJWK:  `{"kty":"EC"}`,
		EncryptionPrivateJWK: `{"kty":"EC","d":"x"}`,
	}))

	ok, err := s.ReleaseEncryptionKey(ctx, "req-1", `{"kty":"EC","d":"other"}`)
	require.NoError(t, err)
	assert.False(t, ok, "another key is not released")

	var wg sync.WaitGroup
	var mu sync.Mutex
	released := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ReleaseEncryptionKey(ctx, "req-1", `{"kty":"EC","d":"x"}`)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				released++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, released)

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Empty(t, got.EncryptionPrivateJWK)
	assert.Equal(t, `{"kty":"EC"}`, got.EncryptionPublicJWK)

	ok, err = s.ReleaseEncryptionKey(ctx, "missing", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifierStoreCreateRequest(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := NewVerifierStore(newKV(c), WithClock(c.Now))

	first := &verifier.VpRequestAtVerifier{ID: "req-1", Nonce: "n1", IssuedAt: c.Now().Unix(), ExpiredIn: 600}
	ok, err := s.CreateRequest(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	consumed, err := s.ConsumeRequest(ctx, "req-1", 1700000001)
	require.NoError(t, err)
	require.True(t, consumed)

	// a second create neither resets consumedAt nor replaces the nonce
	c.Advance(10 * time.Second)
	ok, err = s.CreateRequest(ctx, &verifier.VpRequestAtVerifier{ID: "req-1", Nonce: "n2", IssuedAt: c.Now().Unix(), ExpiredIn: 600})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "n1", got.Nonce)
	assert.Equal(t, first.IssuedAt, got.IssuedAt)
	assert.Equal(t, int64(1700000001), got.ConsumedAt)
}

func TestVerifierStoreConsume(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := NewVerifierStore(newKV(c), WithClock(c.Now))

	require.NoError(t, s.SaveRequest(ctx, &verifier.VpRequestAtVerifier{
		ID: "req-1", Nonce: "n", IssuedAt: c.Now().Unix(), ExpiredIn: 600,
	}))

	ok, err := s.ConsumeRequest(ctx, "req-1", 1700000001)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConsumeRequest(ctx, "req-1", 1700000002)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000001), got.ConsumedAt)

	ok, err = s.ConsumeRequest(ctx, "missing", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifierStoreWithVerifier(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := NewVerifierStore(newKV(c), WithClock(c.Now))
	v := verifier.NewVerifier(s, verifier.WithClock(c.Now))

	require.NoError(t, s.SaveRequest(ctx, &verifier.VpRequestAtVerifier{
		ID: "fresh", Nonce: "n", IssuedAt: c.Now().Unix(), ExpiredIn: 600,
	}))
	require.NoError(t, s.SaveRequest(ctx, &verifier.VpRequestAtVerifier{
		ID: "stale", Nonce: "n", IssuedAt: c.Now().Unix(), ExpiredIn: 5,
	}))
	c.Advance(10 * time.Second)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.ConsumeRequest(ctx, "fresh")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		var gErr *verifier.GetRequestError
		require.ErrorAs(t, err, &gErr)
		assert.Equal(t, verifier.ErrConsumed, gErr.Type)
	}
	assert.Equal(t, 1, wins)

	_, err := v.GetRequest(ctx, "stale")
	var gErr *verifier.GetRequestError
	require.ErrorAs(t, err, &gErr)
	assert.Equal(t, verifier.ErrExpired, gErr.Type)
}

func TestPostStateStore(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := NewPostStateStore(newKV(c), WithClock(c.Now))

	got, err := s.GetState(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	started, err := s.PutState(ctx, "req-1", model.PostStateStarted, PutStateOptions{ExpiredIn: 60})
	require.NoError(t, err)
	assert.Equal(t, c.Now().Unix(), started.IssuedAt)

	c.Advance(10 * time.Second)
	consumed, err := s.PutState(ctx, "req-1", model.PostStateConsumed, PutStateOptions{ExpiredIn: 3600, TargetID: "t"})
	require.NoError(t, err)
	assert.Equal(t, started.IssuedAt, consumed.IssuedAt, "first write fixes issuedAt")
	assert.Equal(t, int64(60), consumed.ExpiredIn)
	assert.Equal(t, "t", consumed.TargetID)

	committed, err := s.PutState(ctx, "req-1", model.PostStateCommitted, PutStateOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.PostStateCommitted, committed.Value)

	// committing twice is fine, leaving committed is not
	_, err = s.PutState(ctx, "req-1", model.PostStateCommitted, PutStateOptions{})
	require.NoError(t, err)
	kept, err := s.PutState(ctx, "req-1", model.PostStateInvalidSubmission, PutStateOptions{})
	assert.ErrorIs(t, err, ErrTerminalState)
	assert.Equal(t, model.PostStateCommitted, kept.Value)

	got, err = s.GetState(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.PostStateCommitted, got.Value)
}

func TestPostStateStoreReadTriggeredExpiry(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := NewPostStateStore(newKV(c), WithClock(c.Now))

	_, err := s.PutState(ctx, "pending", model.PostStateStarted, PutStateOptions{ExpiredIn: 60})
	require.NoError(t, err)
	_, err = s.PutState(ctx, "done", model.PostStateStarted, PutStateOptions{ExpiredIn: 60})
	require.NoError(t, err)
	_, err = s.PutState(ctx, "done", model.PostStateCommitted, PutStateOptions{})
	require.NoError(t, err)

	c.Advance(61 * time.Second)

	got, err := s.GetState(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, model.PostStateExpired, got.Value)

	// the rewrite is persisted and blocks late commits
	_, err = s.PutState(ctx, "pending", model.PostStateCommitted, PutStateOptions{})
	assert.ErrorIs(t, err, ErrTerminalState)

	got, err = s.GetState(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, model.PostStateCommitted, got.Value)
}

func TestSessionStore(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := NewSessionStore(newKV(c), WithClock(c.Now))

	session, err := s.PutRequestID(ctx, "req-1", "tx-1", 60)
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "req-1", session.RequestID)
	assert.Equal(t, "tx-1", session.TransactionID)

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, got.WaitCommitData)

	data := &model.WaitCommitData{
		IDToken: "id-token",
		LearningCredential: &model.LearningCredential{
			Raw:    "a~b~kb",
			Claims: map[string]interface{}{"given_name": "Erika"},
		},
	}
	require.NoError(t, s.PutWaitCommitData(ctx, "req-1", data))
	require.NoError(t, s.PutWaitCommitData(ctx, "no-session", data))

	got, err = s.GetSessionByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, data, got.WaitCommitData)

	_, err = s.GetSession(ctx, "unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.GetSessionByRequestID(ctx, "unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	c.Advance(61 * time.Second)
	_, err = s.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)
}
