package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/npezzotti/go-chatfanout/internal/config"
	"github.com/npezzotti/go-chatfanout/internal/database"
	"github.com/npezzotti/go-chatfanout/internal/server"
	"github.com/npezzotti/go-chatfanout/internal/stats"
	"github.com/npezzotti/go-chatfanout/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGoChatApp(t *testing.T) {
	mux := http.NewServeMux()
	logger := testutil.TestLogger(t)
	cs := &server.ChatServer{}
	db := &database.MockChatRepository{}
	chatSvc := &MockChatService{}
	cfg := &config.Config{
		ServerAddr:     "localhost:8080",
		DatabaseDSN:    "dsn",
		SigningKey:     []byte("secret"),
		AllowedOrigins: []string{"http://localhost:3000"},
	}

	app := NewGoChatApp(mux, logger, cs, db, chatSvc, cfg)

	assert.NotNil(t, app, "expected app to be initialized")
	assert.NotNil(t, app.mux, "expected mux to be initialized")
	assert.Equal(t, app.log, logger, "expected logger to be set")
	assert.Equal(t, app.db, db, "expected db to be set")
	assert.Equal(t, app.cs, cs, "expected chat server to be set")
	assert.Equal(t, app.chat, chatSvc, "expected chat service to be set")
	assert.Equal(t, app.signingKey, cfg.SigningKey, "expected signing key to be set")
	assert.Equal(t, app.allowedOrigins, cfg.AllowedOrigins, "expected allowed origins to be set")
	assert.Equal(t, app.mux.Addr, cfg.ServerAddr, "expected server address to match config")
}

func TestGoChatApp_DebugVars(t *testing.T) {
	mux := http.NewServeMux()
	su := stats.NewStatsUpdater(mux)
	su.Run()
	defer su.Stop()

	app := NewGoChatApp(mux, testutil.TestLogger(t), nil, &database.MockChatRepository{}, &MockChatService{}, &config.Config{})

	rr := httptest.NewRecorder()
	app.mux.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var vars map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &vars))
	assert.Contains(t, vars, stats.MetricConnections)
	assert.Contains(t, vars, stats.MetricDeliveries)
}
