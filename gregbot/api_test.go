package gregbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t testing.TB) (*API, *Bot) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := DefaultConfig()
	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:0"

	m, err := newMetrics()
	require.NoError(t, err)

	store := newTestStore(t)
	store.metrics = m

	b := &Bot{
		config:  cfg,
		logger:  slog.Default(),
		store:   store,
		metrics: m,
		discord: newDiscord(cfg.Discord),
	}
	b.discord.self.Store(&discordgo.User{ID: testBotID, Username: "greg"})
	b.api = newAPI(b, cfg.API)
	return b.api, b
}

func apiGet(t testing.TB, api *API, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPI_HealthCheck(t *testing.T) {
	api, b := newTestAPI(t)

	w := apiGet(t, api, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(
		t,
		healthCheckResponse{DiscordUserID: testBotID, Storage: StorageFile},
		resp,
	)

	b.discord.handlerConnect()(nil, &discordgo.Connect{})
	w = apiGet(t, api, apiHealthCheck, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.DiscordGatewayConnected)
}

func TestAPI_Metrics(t *testing.T) {
	api, _ := newTestAPI(t)

	w := apiGet(t, api, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = apiGet(t, api, apiMetrics, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `greg_api_requests_total{method="GET",route="/healthz",status="200"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestAPI_GetGuildConfig(t *testing.T) {
	api, b := newTestAPI(t)
	path := fmt.Sprintf("/api/guilds/%s/config", testGuildID)

	w := apiGet(t, api, "/api/guilds/not-a-guild/config", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// reading doesn't create a config
	w = apiGet(t, api, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	_, err := b.store.Dump(context.Background(), testGuildID)
	require.ErrorIs(t, err, ErrConfigMissing)

	require.NoError(
		t,
		b.store.ListAppend(context.Background(), testGuildID, columnGuildConfigUserWhitelist, testUserID),
	)
	w = apiGet(t, api, path, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var cfg GuildConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, testDefaults().SystemPrompt, cfg.SystemPrompt)
	assert.Equal(t, IDSet{testUserID}, cfg.UserWhitelist)
}

func TestAPI_RequestID(t *testing.T) {
	api, _ := newTestAPI(t)

	w := apiGet(t, api, apiHealthCheck, nil)
	generated := w.Header().Get(xRequestIDHeader)
	_, err := uuid.Parse(generated)
	require.NoError(t, err)

	requestID := uuid.NewString()
	w = apiGet(t, api, apiHealthCheck, http.Header{xRequestIDHeader: []string{requestID}})
	assert.Equal(t, requestID, w.Header().Get(xRequestIDHeader))

	w = apiGet(t, api, apiHealthCheck, http.Header{xRequestIDHeader: []string{"; DROP TABLE"}})
	assert.NotEqual(t, "; DROP TABLE", w.Header().Get(xRequestIDHeader))
}

func TestAPI_CORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := DefaultConfig()
	cfg.API.CORS.AllowOrigins = []string{"https://greg.example"}
	b := &Bot{config: cfg, store: newTestStore(t), discord: newDiscord(cfg.Discord)}
	api := newAPI(b, cfg.API)

	w := apiGet(t, api, apiHealthCheck, http.Header{"Origin": []string{"https://greg.example"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://greg.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = apiGet(t, api, apiHealthCheck, http.Header{"Origin": []string{"https://evil.example"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// no metrics configured
	w = apiGet(t, api, apiMetrics, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Serve(t *testing.T) {
	api, _ := newTestAPI(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	api.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- api.Serve(ctx)
	}()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s%s", ln.Addr().String(), apiHealthCheck))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err = <-serveErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("api didn't shut down")
	}
}
