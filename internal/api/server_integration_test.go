package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/runplane-io/runplane/internal/config"
	"github.com/runplane-io/runplane/internal/storage"
)

func newIntegrationServer(t *testing.T) (*Server, *storage.RunStore) {
	t.Helper()

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := storage.NewConnectionFromDB(testDB.Connection)

	store, err := storage.NewRunStore(conn)
	require.NoError(t, err)

	return newTestServer(store, nil, nil), store
}

func TestAdmissionAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	srv, _ := newIntegrationServer(t)

	// New payload admits a PENDING run
	first := doRequest(srv, http.MethodPost, "/runs",
		[]byte(`{"parameters":{"model":"mock","duration":0.1}}`))
	require.Equal(t, http.StatusCreated, first.Code)

	var created RunResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &created))
	assert.Equal(t, "PENDING", created.Status)

	// Equivalent payload with reordered keys is absorbed by the active run
	second := doRequest(srv, http.MethodPost, "/runs",
		[]byte(`{"parameters":{"duration":0.1,"model":"mock"}}`))
	require.Equal(t, http.StatusOK, second.Code)

	var deduped RunResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &deduped))
	assert.Equal(t, created.ID, deduped.ID)

	// The run is visible through the inspection endpoint
	fetched := doRequest(srv, http.MethodGet, "/runs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, fetched.Code)

	// Result is unavailable while the run is active
	result := doRequest(srv, http.MethodGet, "/runs/"+created.ID+"/result", nil)
	require.Equal(t, http.StatusConflict, result.Code)
	assert.JSONEq(t, `{"status":"PENDING"}`, result.Body.String())
}

func TestIdempotencyKeyAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	srv, _ := newIntegrationServer(t)

	first := doRequestWithKey(srv, http.MethodPost, "/runs", "deploy-42",
		[]byte(`{"parameters":{"model":"mock"}}`))
	require.Equal(t, http.StatusCreated, first.Code)

	var created RunResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &created))

	// The key pins the run even when the payload changes
	second := doRequestWithKey(srv, http.MethodPost, "/runs", "deploy-42",
		[]byte(`{"parameters":{"model":"mock","extra":true}}`))
	require.Equal(t, http.StatusOK, second.Code)

	var matched RunResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &matched))
	assert.Equal(t, created.ID, matched.ID)
}
