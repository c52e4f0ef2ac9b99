// Package whatsapp implements the pairing connector on top of whatsmeow. Each session
// directory gets its own sqlstore database holding exactly one device.
package whatsapp

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/talkincode/wapair/internal/authstore"
	"github.com/talkincode/wapair/internal/pairing"
)

const defaultDisplayName = "Chrome (Linux)"

// Connector opens whatsmeow clients for pairing sessions.
type Connector struct {
	files       *authstore.Store
	displayName string
	log         waLog.Logger
}

// NewConnector returns a connector writing credential bundles through files.
// displayName is what the phone shows in its linked devices list.
func NewConnector(files *authstore.Store, displayName string) *Connector {
	if displayName == "" {
		displayName = defaultDisplayName
	}
	return &Connector{files: files, displayName: displayName, log: NewLogger("pairing")}
}

// authState is the sqlstore container of one session directory.
type authState struct {
	id        string
	files     *authstore.Store
	container *sqlstore.Container
	device    *store.Device
}

func storeDSN(dir string) string {
	path := filepath.Join(dir, authstore.StoreFile)
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
}

// LoadAuthState opens (or creates) the session's device store.
func (c *Connector) LoadAuthState(ctx context.Context, dir string) (pairing.AuthState, error) {
	id := filepath.Base(dir)
	if _, err := c.files.Dir(id); err != nil {
		return nil, err
	}
	if err := c.files.Ensure(id); err != nil {
		return nil, err
	}
	container, err := sqlstore.New(ctx, "sqlite", storeDSN(dir), c.log.Sub("Database"))
	if err != nil {
		zap.L().Error("whatsapp: open sqlstore failed", zap.String("session_id", id), zap.Error(err))
		return nil, errors.Wrap(err, "whatsapp: open device store")
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, errors.Wrap(err, "whatsapp: load device")
	}
	if device == nil {
		device = container.NewDevice()
	}
	return &authState{id: id, files: c.files, container: container, device: device}, nil
}

// Persist saves the device row and exports the credential bundle next to it.
func (s *authState) Persist(ctx context.Context) error {
	if s.device.ID != nil {
		if err := s.device.Save(ctx); err != nil {
			return errors.Wrap(err, "whatsapp: save device")
		}
	}
	bundle, err := ExportBundle(s.device)
	if err != nil {
		return err
	}
	if err := s.files.WriteBundle(s.id, bundle); err != nil {
		return err
	}
	zap.L().Info("whatsapp: credentials persisted", zap.String("session_id", s.id))
	return nil
}

func (s *authState) Close() error {
	return s.container.Close()
}

// Connect starts a client for the given auth state. Events are forwarded to handler until
// the connection is closed, after which exactly one close event has been reported.
func (c *Connector) Connect(ctx context.Context, state pairing.AuthState, handler pairing.EventHandler) (pairing.Connection, error) {
	st, ok := state.(*authState)
	if !ok {
		return nil, errors.Errorf("whatsapp: unsupported auth state %T", state)
	}
	client := whatsmeow.NewClient(st.device, c.log.Sub("Client"))
	client.EnableAutoReconnect = false

	conn := &connection{client: client, handler: handler, displayName: c.displayName, sessionID: st.id}
	conn.handlerID = client.AddEventHandler(conn.handle)

	handler(pairing.ConnEvent{Kind: pairing.ConnConnecting})
	if err := client.Connect(); err != nil {
		client.RemoveEventHandler(conn.handlerID)
		return nil, errors.Wrap(err, "whatsapp: connect")
	}
	zap.L().Info("whatsapp: client connecting",
		zap.String("session_id", st.id),
		zap.Bool("registered", st.device.ID != nil))
	return conn, nil
}

type connection struct {
	client      *whatsmeow.Client
	handler     pairing.EventHandler
	handlerID   uint32
	displayName string
	sessionID   string

	mu       sync.Mutex
	closed   bool
	teardown sync.Once
}

func (c *connection) emit(ev pairing.ConnEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if ev.Kind == pairing.ConnClose {
		c.closed = true
	}
	c.mu.Unlock()
	c.handler(ev)
}

func (c *connection) handle(evt interface{}) {
	switch v := evt.(type) {
	case *events.QR:
		if len(v.Codes) > 0 {
			c.emit(pairing.ConnEvent{Kind: pairing.ConnQR, QR: v.Codes[0]})
		}
	case *events.PairSuccess:
		zap.L().Info("whatsapp: pair success",
			zap.String("session_id", c.sessionID),
			zap.String("jid", v.ID.String()),
			zap.String("platform", v.Platform))
		c.emit(pairing.ConnEvent{Kind: pairing.ConnNewLogin, UserID: v.ID.String()})
	case *events.PairError:
		// the socket stays up after a failed pair
		c.emit(pairing.ConnEvent{Kind: pairing.ConnClose, Reason: pairing.CloseOther, Err: v.Error})
		c.disconnect()
	case *events.Connected:
		c.emit(pairing.ConnEvent{Kind: pairing.ConnOpen, UserID: c.UserID()})
	case *events.PushNameSetting:
		c.emit(pairing.ConnEvent{Kind: pairing.ConnCredentialsUpdated})
	case *events.LoggedOut:
		c.emit(pairing.ConnEvent{Kind: pairing.ConnClose, Reason: pairing.CloseLoggedOut})
	case *events.StreamReplaced:
		c.emit(pairing.ConnEvent{Kind: pairing.ConnClose, Reason: pairing.CloseClosedByPeer})
	case *events.StreamError:
		reason := pairing.CloseOther
		if v.Code == "515" {
			reason = pairing.CloseRestartRequired
		}
		c.emit(pairing.ConnEvent{Kind: pairing.ConnClose, Reason: reason, Err: errors.Errorf("stream error %s", v.Code)})
	case *events.ConnectFailure:
		c.emit(pairing.ConnEvent{Kind: pairing.ConnClose, Reason: pairing.CloseOther, Err: errors.Errorf("connect failure %d: %s", int(v.Reason), v.Message)})
	case *events.TemporaryBan:
		c.emit(pairing.ConnEvent{Kind: pairing.ConnClose, Reason: pairing.CloseOther, Err: errors.Errorf("temporary ban: %s", v.String())})
	case *events.ClientOutdated:
		c.emit(pairing.ConnEvent{Kind: pairing.ConnClose, Reason: pairing.CloseOther, Err: errors.New("client outdated")})
	case *events.KeepAliveTimeout:
		if v.ErrorCount > 3 {
			c.emit(pairing.ConnEvent{Kind: pairing.ConnClose, Reason: pairing.CloseTimedOut})
			c.disconnect()
		}
	case *events.Disconnected:
		c.emit(pairing.ConnEvent{Kind: pairing.ConnClose, Reason: pairing.CloseConnectionLost})
	}
}

func (c *connection) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	code, err := c.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, c.displayName)
	if err != nil {
		return "", errors.Wrap(err, "whatsapp: request pairing code")
	}
	return code, nil
}

func (c *connection) SendText(ctx context.Context, to string, text string) error {
	jid, err := waTypes.ParseJID(to)
	if err != nil {
		return errors.Wrapf(err, "whatsapp: parse jid %q", to)
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := c.client.SendMessage(ctx, jid.ToNonAD(), msg); err != nil {
		return errors.Wrap(err, "whatsapp: send message")
	}
	return nil
}

func (c *connection) UserID() string {
	if c.client.Store == nil || c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.String()
}

// Close reports the close if the server has not already and disconnects the client. It may
// be called from inside an event callback.
func (c *connection) Close() {
	c.emit(pairing.ConnEvent{Kind: pairing.ConnClose, Reason: pairing.CloseOther})
	c.disconnect()
}

// disconnect detaches the handler and drops the socket on its own goroutine, since
// whatsmeow holds its handler lock while dispatching events.
func (c *connection) disconnect() {
	c.teardown.Do(func() {
		go func() {
			c.client.RemoveEventHandler(c.handlerID)
			c.client.Disconnect()
			zap.L().Debug("whatsapp: client disconnected", zap.String("session_id", c.sessionID))
		}()
	})
}
