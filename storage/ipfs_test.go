package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/multicloud-gateway/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPFSAdapter_Connect(t *testing.T) {
	a := NewIPFSAdapter(testDeps())
	require.NoError(t, a.Connect(context.Background(), interfaces.BackendConfig{Name: "ipfs", Driver: "ipfs"}))
	assert.Equal(t, "localhost:5001", a.apiURL)
	assert.Equal(t, "/multicloud", a.root)
	assert.Equal(t, "/multicloud/docs/a.txt", a.mfsPath("docs/a.txt"))
	assert.Equal(t, "ipfs", a.Name())

	err := a.Connect(context.Background(), interfaces.BackendConfig{
		Name:     "ipfs",
		Driver:   "ipfs",
		Settings: map[string]string{"timeout": "soon"},
	})
	require.Error(t, err)
}

func TestIPFSAdapter_SignedURL(t *testing.T) {
	var statArg string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v0/files/stat" {
			http.NotFound(w, r)
			return
		}
		statArg = r.URL.Query().Get("arg")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Hash":           "QmTestHash",
			"Size":           5,
			"CumulativeSize": 13,
			"Blocks":         0,
			"Type":           "file",
		})
	}))
	defer srv.Close()

	a := NewIPFSAdapter(testDeps())
	require.NoError(t, a.Connect(context.Background(), interfaces.BackendConfig{
		Name:   "ipfs",
		Driver: "ipfs",
		Settings: map[string]string{
			"api_url":     srv.URL,
			"gateway_url": "https://gw.example.com/",
			"root":        "objects",
		},
	}))

	u, err := a.GenerateSignedURL(context.Background(), "docs/a.txt", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "https://gw.example.com/ipfs/QmTestHash?filename=a.txt", u)
	assert.Equal(t, "/objects/docs/a.txt", statArg)
}

func TestIPFSAdapter_SignedURLWithoutGateway(t *testing.T) {
	a := NewIPFSAdapter(testDeps())
	require.NoError(t, a.Connect(context.Background(), interfaces.BackendConfig{Name: "ipfs", Driver: "ipfs"}))

	u, err := a.GenerateSignedURL(context.Background(), "a.txt", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, u, "the gateway turns an empty URL into a signing failure")
}
