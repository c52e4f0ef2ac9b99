package adminapi

import (
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/talkincode/wapair/internal/pairing"
	"github.com/talkincode/wapair/internal/webserver"
)

var initOnce sync.Once

// Init registers every route of the package with the webserver. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		registerPairingRoutes()
	})
}

// GetPairing returns the coordinator bound to the request.
func GetPairing(c echo.Context) *pairing.Coordinator {
	return webserver.GetAppContext(c).Pairing()
}

// lookupError is the body of the lookup endpoints' 4xx/5xx answers.
type lookupError struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func fail(c echo.Context, status int, errMsg, message string) error {
	return c.JSON(status, lookupError{Error: errMsg, Message: message})
}

func failWithSuccess(c echo.Context, status int, errMsg, message string) error {
	f := false
	return c.JSON(status, lookupError{Success: &f, Error: errMsg, Message: message})
}
