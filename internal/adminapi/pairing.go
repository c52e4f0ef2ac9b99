package adminapi

import (
	"bytes"
	stdjson "encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/talkincode/wapair/internal/authstore"
	"github.com/talkincode/wapair/internal/render"
	"github.com/talkincode/wapair/internal/webserver"
)

const configFileName = "wapair-config.js"

func registerPairingRoutes() {
	webserver.ApiPOST("/generate-code", postGenerateCode)
	webserver.ApiGET("/pairing-status/:sessionId", getPairingStatus)
	webserver.ApiGET("/check-pairing/:sessionId", getCheckPairing)
	webserver.ApiGET("/qr-code/:sessionId", getQRCode)
	webserver.ApiGET("/session-data/:sessionId", getSessionData)
	webserver.ApiGET("/download-session/:sessionId", getDownloadSession)
	webserver.ApiGET("/full-config/:sessionId", getFullConfig)
	webserver.ApiDELETE("/cleanup-session/:sessionId", deleteCleanupSession)
}

// postGenerateCode starts a pairing attempt. Request JSON: { "phoneNumber": "254111255045" }
func postGenerateCode(c echo.Context) error {
	var payload struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": false,
			"error":   "Unable to parse request",
			"message": err.Error(),
		})
	}
	zap.L().Info("adminapi: pairing requested", zap.String("phone", payload.PhoneNumber))
	result := GetPairing(c).GeneratePairingCode(c.Request().Context(), payload.PhoneNumber)
	return c.JSON(http.StatusOK, result)
}

func getPairingStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, GetPairing(c).Status(c.Param("sessionId")))
}

// getCheckPairing reports ready as soon as the persisted bundle is bound to an account.
func getCheckPairing(c echo.Context) error {
	return c.JSON(http.StatusOK, GetPairing(c).CheckReady(c.Param("sessionId")))
}

// getQRCode returns the QR payload, or a PNG of it with ?format=png.
func getQRCode(c echo.Context) error {
	id := c.Param("sessionId")
	coord := GetPairing(c)
	qr, found := coord.QRCode(id)
	if !found && !coord.Store().Exists(id) {
		return fail(c, http.StatusNotFound, "Session not found", "")
	}
	if qr == "" {
		return c.JSON(http.StatusAccepted, map[string]string{"message": "QR code not ready yet"})
	}
	if c.QueryParam("format") == "png" {
		png, err := qrcode.Encode(qr, qrcode.Medium, 256)
		if err != nil {
			zap.L().Warn("adminapi: qr png encode failed", zap.String("session_id", id), zap.Error(err))
			return fail(c, http.StatusInternalServerError, err.Error(), "Failed to render QR code")
		}
		return c.Blob(http.StatusOK, "image/png", png)
	}
	return c.JSON(http.StatusOK, map[string]string{"qr": qr})
}

func getSessionData(c echo.Context) error {
	id := c.Param("sessionId")
	files := GetPairing(c).Store()
	if !files.Exists(id) {
		return fail(c, http.StatusNotFound, "Session not found", "Session expired or was cleaned up")
	}
	raw, err := files.ReadBundle(id)
	if errors.Is(err, authstore.ErrNotFound) {
		return fail(c, http.StatusNotFound, "No session data found", "Session data incomplete")
	}
	if err != nil {
		return failWithSuccess(c, http.StatusNotFound, err.Error(), "Failed to load session data")
	}
	info := stdjson.RawMessage("{}")
	if si, err := files.ReadInfo(id); err == nil {
		if b, err := stdjson.Marshal(si); err == nil {
			info = b
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":     true,
		"sessionId":   id,
		"sessionData": stdjson.RawMessage(raw),
		"sessionInfo": info,
		"message":     "Session data retrieved successfully",
	})
}

// getDownloadSession serves the primary credential file unchanged as an attachment.
func getDownloadSession(c echo.Context) error {
	id := c.Param("sessionId")
	files := GetPairing(c).Store()
	if !files.Exists(id) {
		return fail(c, http.StatusNotFound, "Session not found", "Session expired or was cleaned up")
	}
	raw, err := files.ReadCreds(id)
	if errors.Is(err, authstore.ErrNotFound) {
		return fail(c, http.StatusNotFound, "No session data", "Session data incomplete")
	}
	if err != nil {
		return fail(c, http.StatusNotFound, err.Error(), "Failed to generate session file")
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="session-%s.json"`, id))
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, raw)
}

// getFullConfig serves a ready-to-use bot configuration script embedding the bundle.
func getFullConfig(c echo.Context) error {
	id := c.Param("sessionId")
	coord := GetPairing(c)
	files := coord.Store()
	if !files.Exists(id) {
		return fail(c, http.StatusNotFound, "Session not found", "Session expired or was cleaned up")
	}
	raw, err := files.ReadBundle(id)
	if errors.Is(err, authstore.ErrNotFound) {
		return fail(c, http.StatusNotFound, "No session data", "Session data incomplete")
	}
	if err != nil {
		return fail(c, http.StatusNotFound, err.Error(), "Failed to generate configuration")
	}
	var pretty bytes.Buffer
	if err := stdjson.Indent(&pretty, raw, "", "  "); err != nil {
		return fail(c, http.StatusInternalServerError, err.Error(), "Failed to generate configuration")
	}

	phone := ""
	if info, err := files.ReadInfo(id); err == nil {
		phone = info.PhoneNumber
	} else if snap, ok := coord.Snapshot(id); ok {
		phone = snap.PhoneNumber
	}
	script, err := coord.Engine().Render(render.ConfigTemplate, render.ConfigData{
		Generated: time.Now().Format(time.RFC1123),
		Phone:     phone,
		SessionID: id,
		JSON:      pretty.String(),
	})
	if err != nil {
		return fail(c, http.StatusInternalServerError, err.Error(), "Failed to generate configuration")
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename="+configFileName)
	return c.Blob(http.StatusOK, "application/javascript", []byte(script))
}

func deleteCleanupSession(c echo.Context) error {
	id := c.Param("sessionId")
	if !GetPairing(c).Cleanup(id) {
		zap.L().Info("adminapi: cleanup of unknown session", zap.String("session_id", id))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "message": "Session cleaned up"})
}
