package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/lockstep/internal/multiplayer"
)

func TestAPIBase_MapsSchemes(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", apiBase("ws://localhost:8080/"))
	assert.Equal(t, "https://game.example", apiBase("wss://game.example"))
	assert.Equal(t, "http://127.0.0.1:9000", apiBase("http://127.0.0.1:9000"))

	assert.Equal(t, "ws://localhost:8080", wsBase("http://localhost:8080"))
	assert.Equal(t, "wss://game.example", wsBase("https://game.example"))
}

func TestFetchSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/alpha" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown session"})
			return
		}
		_ = json.NewEncoder(w).Encode(multiplayer.Summary{ID: "alpha", TicksPerSecond: 20, EchoCommands: true})
	}))
	defer srv.Close()

	sum, err := fetchSummary(t.Context(), srv.URL, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 20, sum.TicksPerSecond)
	assert.True(t, sum.EchoCommands)

	_, err = fetchSummary(t.Context(), srv.URL, "beta")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session")
}
