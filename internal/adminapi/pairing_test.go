package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkincode/wapair/config"
	"github.com/talkincode/wapair/internal/app"
	"github.com/talkincode/wapair/internal/authstore"
	"github.com/talkincode/wapair/internal/pairing"
	"github.com/talkincode/wapair/internal/pairing/pairingtest"
	"github.com/talkincode/wapair/internal/webserver"
)

type testEnv struct {
	e         *echo.Echo
	app       *app.Application
	connector *pairingtest.Connector
}

func newTestEnv(t *testing.T, wait time.Duration, onConnect func(n int, c *pairingtest.Conn)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.System.Workdir = t.TempDir()

	fc := &pairingtest.Connector{User: "254111255045:7@s.whatsapp.net", Code: "ABCD-1234", OnConnect: onConnect}
	a := app.NewApplication(cfg)
	a.OverrideConnector(fc)
	timings := pairing.DefaultTimings()
	timings.CodeSettle = 20 * time.Millisecond
	timings.BoundedWait = wait
	a.OverrideTimings(timings)
	require.NoError(t, a.Init(cfg))
	t.Cleanup(a.Release)
	fc.Files = a.Files()

	Init()
	return &testEnv{e: webserver.NewServer(a).Echo(), app: a, connector: fc}
}

func (env *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (env *testEnv) writeSession(t *testing.T, id string) {
	t.Helper()
	files := env.app.Files()
	require.NoError(t, files.WriteBundle(id, &authstore.Bundle{Creds: authstore.Credentials{
		RegistrationID: 11,
		Me:             &authstore.Identity{ID: "254111255045:7@s.whatsapp.net"},
	}}))
	require.NoError(t, files.WriteInfo(id, &authstore.SessionInfo{
		SessionID:   id,
		PhoneNumber: "254111255045",
		PairingCode: "ABCD-1234",
	}))
}

func emitQR(n int, c *pairingtest.Conn) {
	if n == 1 {
		c.Emit(pairing.ConnEvent{Kind: pairing.ConnQR, QR: "2@qr-payload"})
	}
}

func TestGenerateCodeAndPoll(t *testing.T) {
	env := newTestEnv(t, 2*time.Second, emitQR)

	rec := env.do(t, http.MethodPost, "/generate-code", `{"phoneNumber":"+254 111 255 045"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ABCD-1234", body["code"])
	assert.Equal(t, "code_generated", body["status"])
	id, _ := body["sessionId"].(string)
	require.NotEmpty(t, id)

	rec = env.do(t, http.MethodGet, "/pairing-status/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, "code_generated", status["status"])
	assert.Equal(t, "254111255045", status["phoneNumber"])
	assert.Equal(t, "ABCD-1234", status["code"])
	assert.Nil(t, status["whatsappUserId"])
	assert.Equal(t, false, status["sessionSent"])

	rec = env.do(t, http.MethodGet, "/qr-code/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2@qr-payload", decode(t, rec)["qr"])

	rec = env.do(t, http.MethodGet, "/qr-code/"+id+"?format=png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = env.do(t, http.MethodDelete, "/cleanup-session/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"success": true, "message": "Session cleaned up"}, decode(t, rec))
	assert.True(t, env.connector.Conn(1).IsClosed())
}

func TestGenerateCodeRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, time.Second, nil)

	rec := env.do(t, http.MethodPost, "/generate-code", `{"phoneNumber":"12"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, pairing.ErrInvalidPhone.Error(), body["error"])

	rec = env.do(t, http.MethodPost, "/generate-code", `{"phoneNumber":`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])
	assert.Zero(t, env.app.Pairing().Len())
}

func TestQRCodeNotReady(t *testing.T) {
	env := newTestEnv(t, 30*time.Millisecond, nil)

	rec := env.do(t, http.MethodPost, "/generate-code", `{"phoneNumber":"254111255045"}`)
	body := decode(t, rec)
	assert.Equal(t, "Timeout", body["error"])
	id := body["sessionId"].(string)

	rec = env.do(t, http.MethodGet, "/qr-code/"+id, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "QR code not ready yet", decode(t, rec)["message"])
}

func TestUnknownSessionLookups(t *testing.T) {
	env := newTestEnv(t, time.Second, nil)

	rec := env.do(t, http.MethodGet, "/pairing-status/WAP_404", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "not_found", body["status"])
	assert.Equal(t, "Session ID invalid", body["error"])
	assert.Equal(t, "Session expired or not found", body["message"])
	assert.Contains(t, body, "code")
	assert.Nil(t, body["code"])

	for _, path := range []string{"/qr-code/WAP_404", "/session-data/WAP_404", "/download-session/WAP_404", "/full-config/WAP_404"} {
		rec := env.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "Session not found", decode(t, rec)["error"], path)
	}

	rec = env.do(t, http.MethodDelete, "/cleanup-session/WAP_404", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])
}

func TestSessionWithoutCredentials(t *testing.T) {
	env := newTestEnv(t, time.Second, nil)
	require.NoError(t, env.app.Files().Ensure("WAP_6"))

	rec := env.do(t, http.MethodGet, "/session-data/WAP_6", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No session data found", decode(t, rec)["error"])

	rec = env.do(t, http.MethodGet, "/download-session/WAP_6", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No session data", decode(t, rec)["error"])
}

func TestPersistedSessionEndpoints(t *testing.T) {
	env := newTestEnv(t, time.Second, nil)
	env.writeSession(t, "WAP_5")

	rec := env.do(t, http.MethodGet, "/download-session/WAP_5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	onDisk, err := os.ReadFile(filepath.Join(env.app.Files().Root(), "WAP_5", authstore.CredsFile))
	require.NoError(t, err)
	assert.Equal(t, onDisk, rec.Body.Bytes())
	assert.Equal(t, `attachment; filename="session-WAP_5.json"`, rec.Header().Get(echo.HeaderContentDisposition))

	rec = env.do(t, http.MethodGet, "/session-data/WAP_5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	data := body["sessionData"].(map[string]interface{})
	creds := data["creds"].(map[string]interface{})
	assert.EqualValues(t, 11, creds["registrationId"])
	info := body["sessionInfo"].(map[string]interface{})
	assert.Equal(t, "ABCD-1234", info["pairingCode"])

	rec = env.do(t, http.MethodGet, "/check-pairing/WAP_5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "254111255045:7@s.whatsapp.net", body["whatsappUserId"])

	rec = env.do(t, http.MethodGet, "/full-config/WAP_5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "attachment; filename=wapair-config.js", rec.Header().Get(echo.HeaderContentDisposition))
	script := rec.Body.String()
	assert.Contains(t, script, "// Phone: 254111255045")
	assert.Contains(t, script, "// Session ID: WAP_5")
	assert.Contains(t, script, `"registrationId": 11`)

	// the QR endpoint answers 202 for sessions that only exist on disk
	rec = env.do(t, http.MethodGet, "/qr-code/WAP_5", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, time.Second, nil)

	rec := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["sessions"])

	rec = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wapair_sessions")
}
