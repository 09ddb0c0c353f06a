// Package whatsapp delivers goodbye messages directly over WhatsApp through a
// whatsmeow session.
//
// The session (device keys, login) lives in its own database, SQLite or
// Postgres, chosen from the DSN the same way the engagement store is.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/EngagePipe/internal/store"
)

const (
	// DefaultSQLitePath is where the session database lives when no DSN is set.
	DefaultSQLitePath = "/var/lib/engagepipe/whatsmeow.db"
	// JIDSuffix is the server part of a regular user's JID.
	JIDSuffix = "s.whatsapp.net"
)

var (
	errNotConnected = errors.New("whatsapp client not connected")
	errEmptyBody    = errors.New("message body cannot be empty")
)

// Sender sends a WhatsApp text. Client and MockClient implement it.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds the session database and login settings.
type Opts struct {
	DBDSN       string // session database DSN
	QRPath      string // where to write the login QR code; stdout when empty
	NumericCode bool   // print the raw pairing code instead of a QR block
}

type Option func(*Opts)

func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client is a connected whatsmeow session.
type Client struct {
	wa *whatsmeow.Client
}

// NewClient opens the session database, logs in if the device is not paired
// yet, and connects. Pairing blocks until the QR flow finishes.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{DBDSN: DefaultSQLitePath}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultSQLitePath
	}
	ctx := context.Background()

	driver := sessionDriver(cfg.DBDSN)
	slog.Debug("WhatsApp.NewClient: opening session store", "driver", driver, "qr_path_set", cfg.QRPath != "", "numeric", cfg.NumericCode)
	container, err := sqlstore.New(ctx, driver, cfg.DBDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("open whatsapp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}

	wa := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	if wa.Store.ID == nil {
		err = pair(ctx, wa, cfg)
	} else {
		err = wa.Connect()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to whatsapp: %w", err)
	}
	slog.Info("WhatsApp.NewClient: connected", "jid", wa.Store.ID)
	return &Client{wa: wa}, nil
}

// sessionDriver picks the database/sql driver whatsmeow should use for dsn.
func sessionDriver(dsn string) string {
	if store.DetectDSNType(dsn) == store.BackendPostgres {
		return store.BackendPostgres
	}
	if !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("WhatsApp.sessionDriver: SQLite session DSN lacks foreign keys, whatsmeow expects them",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}
	return store.BackendSQLite
}

// pair runs the QR login flow and leaves the client connected.
func pair(ctx context.Context, wa *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp.pair: device not linked, starting login")
	qrChan, err := wa.GetQRChannel(ctx)
	if err != nil {
		return err
	}
	if err := wa.Connect(); err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("create QR file: %w", err)
		}
		defer f.Close()
		out = f
	}

	for evt := range qrChan {
		switch {
		case evt.Event != "code":
			slog.Info("WhatsApp.pair: login event", "event", evt.Event)
		case cfg.NumericCode:
			fmt.Fprintln(out, evt.Code)
		default:
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
		}
	}
	return nil
}

// SendMessage sends body as a plain conversation message to the phone number
// to (digits only, already canonicalized by the messaging layer).
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.wa == nil || c.wa.Store == nil {
		return errNotConnected
	}
	if to == "" {
		return errors.New("recipient cannot be empty")
	}
	if body == "" {
		return errEmptyBody
	}

	jid := types.NewJID(to, JIDSuffix)
	if _, err := c.wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	slog.Debug("WhatsApp.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// Disconnect closes the websocket to the WhatsApp servers.
func (c *Client) Disconnect() {
	if c.wa != nil {
		c.wa.Disconnect()
	}
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// MockClient records messages instead of sending them.
type MockClient struct {
	mu   sync.Mutex
	sent []SentMessage
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the captured messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
