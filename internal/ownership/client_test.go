package ownership

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 0, slog.New(slog.DiscardHandler))
}

const collectionBody = `{
	"data": {
		"eligible": true,
		"totalCount": 2,
		"moments": [
			{"id": "m1", "playerName": "Jordan", "setName": "Base Set", "serialNumber": 7},
			{"id": "m2", "playerName": "Bird", "setName": "Rare", "serialNumber": 42}
		]
	}
}`

func TestFetchCollection(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(collectionBody))
	})

	own, err := c.FetchCollection(context.Background(), "0xABC123")
	require.NoError(t, err)

	// The address is normalized before it reaches the wire.
	assert.Equal(t, "/v1/wallets/0xabc123/moments", gotPath)
	assert.Equal(t, "0xabc123", own.WalletAddress)
	assert.True(t, own.Eligible)
	assert.Equal(t, int64(2), own.TotalCount)
	require.Len(t, own.Moments, 2)
	assert.Equal(t, Moment{ID: "m1", PlayerName: "Jordan", SetName: "Base Set", SerialNumber: 7}, own.Moments[0])
	assert.False(t, own.FetchedAt.IsZero())
}

func TestFetchCollection_MissingFieldsTolerated(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"moments": [{"id": "m1"}]}}`))
	})

	own, err := c.FetchCollection(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Len(t, own.Moments, 1)
	assert.Equal(t, "m1", own.Moments[0].ID)
	assert.Empty(t, own.Moments[0].PlayerName)
	// With no totalCount in the response, the moment count stands in.
	assert.Equal(t, int64(1), own.TotalCount)
}

func TestFetchCollection_EmptyCollection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"eligible": false, "moments": []}}`))
	})

	own, err := c.FetchCollection(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Empty(t, own.Moments)
	assert.False(t, own.Eligible)
}

func TestFetchCollection_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	})

	_, err := c.FetchCollection(context.Background(), "0xabc")
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.HTTPStatus())
}

func TestFetchCollection_RateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, err := c.FetchCollection(context.Background(), "0xabc")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.HTTPStatus())
}

func TestVerifyOwnership(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/wallets/0xabc/moments/m1" {
			w.Write([]byte(`{"data": {"owned": true}}`))
			return
		}
		http.NotFound(w, r)
	})

	owned, err := c.VerifyOwnership(context.Background(), "0xABC", "m1")
	require.NoError(t, err)
	assert.True(t, owned)

	// An unknown moment is simply not owned, not an error.
	owned, err = c.VerifyOwnership(context.Background(), "0xABC", "m9")
	require.NoError(t, err)
	assert.False(t, owned)
}
