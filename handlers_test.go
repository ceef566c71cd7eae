package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBroker struct {
	connected bool
}

func (f fakeBroker) Connected() bool { return f.connected }
func (f fakeBroker) Broker() string  { return "tcp://broker.lan:1883" }

func newTestServer(t *testing.T, mutate func(*Config), broker BrokerStatus) (http.Handler, *Relay, *fakePublisher) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MQTT.Host = "broker.lan"
	cfg.MQTT.Topic = "shairport"
	if mutate != nil {
		mutate(&cfg)
	}

	metrics := NewMetrics()
	pub := &fakePublisher{}
	relay := NewRelay(RelayOptions{TopicRoot: cfg.MQTT.Topic, Publisher: pub, Metrics: metrics})
	hub := NewHub(nil, metrics, nil)

	server, err := NewServer(cfg, relay, hub, broker, metrics, zap.NewNop())
	require.NoError(t, err)
	return server.Routes(false), relay, pub
}

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIndexHandler(t *testing.T) {
	h, _, _ := newTestServer(t, nil, nil)

	w := do(h, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, `id="playing_title"`)
	assert.Contains(t, body, `id="playing_artist"`)
	assert.Contains(t, body, `id="playing_album"`)
	assert.NotContains(t, body, `id="playing_genre"`)
	assert.Contains(t, body, `id="cover_art"`)
	assert.Contains(t, body, `data-remote="playpause"`)
	assert.NotContains(t, body, `data-remote="stop"`)
	assert.Contains(t, body, `data-theme="auto"`)
}

func TestIndexHandlerRespectsWebUI(t *testing.T) {
	h, _, _ := newTestServer(t, func(c *Config) {
		c.WebUI.ShowPlayer = false
		c.WebUI.ShowArtwork = false
		c.WebUI.TrackMetadata = []string{"genre"}
		c.WebUI.Theme = "light"
	}, nil)

	body := do(h, http.MethodGet, "/").Body.String()
	assert.NotContains(t, body, "data-remote")
	assert.NotContains(t, body, `id="cover_art"`)
	assert.NotContains(t, body, `id="playing_title"`)
	assert.Contains(t, body, `id="playing_genre"`)
	assert.Contains(t, body, `data-theme="light"`)
}

func TestStaticAssets(t *testing.T) {
	h, _, _ := newTestServer(t, nil, nil)

	tests := []struct {
		path        string
		contentType string
	}{
		{"/favicon.ico", "image/vnd.microsoft.icon"},
		{"/static/img/default.png", "image/png"},
		{"/static/css/style.css", "text/css"},
		{"/static/js/app.js", "javascript"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := do(h, http.MethodGet, tt.path)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), tt.contentType)
			assert.NotZero(t, w.Body.Len())
		})
	}

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/static/img/missing.png").Code)
}

func TestManifestHandler(t *testing.T) {
	h, _, _ := newTestServer(t, nil, nil)

	w := do(h, http.MethodGet, "/manifest.json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/manifest+json", w.Header().Get("Content-Type"))

	var m Manifest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, "standalone", m.Display)
	assert.Equal(t, "/", m.StartURL)
	require.Len(t, m.Icons, 1)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, m.Icons[0].Src).Code)
}

func TestMetadataHandler(t *testing.T) {
	h, relay, _ := newTestServer(t, nil, nil)

	w := do(h, http.MethodGet, "/metadata.json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "{}\n", w.Body.String())

	relay.HandleMessage("shairport/title", []byte("Freddie Freeloader"))
	relay.HandleMessage("shairport/cover", []byte{0xff, 0xd8, 0x00})

	w = do(h, http.MethodGet, "/metadata.json")
	assert.JSONEq(t, `{
		"playing_title": {"data": "Freddie Freeloader"},
		"cover_art": {"data": "/9gA", "mimetype": "image/jpeg"}
	}`, w.Body.String())
}

func TestRemoteHandler(t *testing.T) {
	h, _, pub := newTestServer(t, nil, nil)

	w := do(h, http.MethodPost, "/remote/volumeup")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "{}\n", w.Body.String())
	assert.Equal(t, [][2]string{{"shairport/remote", "volumeup"}}, pub.published)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/remote/explode").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/remote/play").Code)

	pub.err = ErrNotConnected
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodPost, "/remote/play").Code)

	pub.err = errors.New("broker said no")
	w = do(h, http.MethodPost, "/remote/play")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "broker said no")
}

func postFrom(h http.Handler, target, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRemoteHandlerAllowedOrigins(t *testing.T) {
	h, _, pub := newTestServer(t, func(c *Config) {
		c.WebServer.AllowedOrigins = []string{"http://kiosk.lan"}
	}, nil)

	w := postFrom(h, "/remote/stop", "http://evil.example")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, pub.published)

	w = postFrom(h, "/remote/stop", "http://kiosk.lan")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://kiosk.lan", w.Header().Get("Access-Control-Allow-Origin"))

	w = postFrom(h, "/remote/play", "")
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, [][2]string{{"shairport/remote", "stop"}, {"shairport/remote", "play"}}, pub.published)
}

func TestRemoteHandlerSameHostByDefault(t *testing.T) {
	h, _, pub := newTestServer(t, nil, nil)

	// httptest requests are addressed to example.com
	assert.Equal(t, http.StatusOK, postFrom(h, "/remote/pause", "http://example.com").Code)
	assert.Equal(t, http.StatusForbidden, postFrom(h, "/remote/stop", "http://evil.example").Code)
	assert.Equal(t, [][2]string{{"shairport/remote", "pause"}}, pub.published)
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		broker     BrokerStatus
		wantStatus int
		connected  bool
	}{
		{"connected", fakeBroker{connected: true}, http.StatusOK, true},
		{"disconnected", fakeBroker{connected: false}, http.StatusServiceUnavailable, false},
		{"no broker", nil, http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestServer(t, nil, tt.broker)
			w := do(h, http.MethodGet, "/healthz")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var resp healthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.connected, resp.Connected)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, relay, _ := newTestServer(t, nil, nil)
	relay.HandleMessage("shairport/title", []byte("x"))

	w := do(h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `shairport_display_mqtt_messages_total{subtopic="title"} 1`)
	assert.Contains(t, w.Body.String(), `shairport_display_events_total{event="playing_title"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	h, _, _ := newTestServer(t, nil, nil)

	w := do(h, http.MethodOptions, "/metadata.json")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(w.Header().Get("Access-Control-Allow-Methods"), "POST"))
}

func TestDefaultCoverIsPNG(t *testing.T) {
	b, err := DefaultCover()
	require.NoError(t, err)
	assert.Equal(t, "image/png", GuessImageMime(b))
}
