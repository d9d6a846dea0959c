// ABOUTME: ConnectionDriver backed by whatsmeow (WhatsApp multi-device)
// ABOUTME: Device credentials live in a whatsmeow sqlstore on mattn/go-sqlite3

package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"github.com/2389/tether-gateway/internal/driver"
)

// Driver opens one whatsmeow client per session.
type Driver struct {
	db        *sql.DB
	container *sqlstore.Container
	logger    *slog.Logger
	waLogger  *slogBridge
}

// New opens (or creates) the credential store at path and upgrades its schema.
func New(ctx context.Context, path string, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "whatsapp")

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating credentials directory: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("opening credentials database: %w", err)
	}

	wl := &slogBridge{logger: logger}
	container := sqlstore.NewWithDB(db, "sqlite3", wl.Sub("store"))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrading credentials schema: %w", err)
	}

	logger.Info("whatsapp credential store ready", "path", path)
	return &Driver{
		db:        db,
		container: container,
		logger:    logger,
		waLogger:  wl,
	}, nil
}

// Connect restores the session's device when AccountID is set, otherwise it
// starts a fresh device whose pairing codes arrive as events.
func (d *Driver) Connect(ctx context.Context, req driver.ConnectRequest) (driver.Connection, error) {
	device, err := d.device(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		device = d.container.NewDevice()
	}

	cli := whatsmeow.NewClient(device, d.waLogger.Sub("client"))
	// Reconnects are owned by the session state machine
	cli.EnableAutoReconnect = false

	conn := newConnection(cli, req.SessionID, d.logger)
	cli.AddEventHandler(conn.handle)

	if cli.Store.ID == nil {
		qr, err := cli.GetQRChannel(conn.ctx)
		if err != nil {
			conn.Disconnect()
			return nil, fmt.Errorf("requesting pairing channel: %w", err)
		}
		go conn.pumpPairing(qr)
	}

	if err := cli.Connect(); err != nil {
		conn.Disconnect()
		return nil, fmt.Errorf("connecting: %w", err)
	}

	d.logger.Info("whatsapp client connecting",
		"session_id", req.SessionID,
		"resumed", cli.Store.ID != nil)
	return conn, nil
}

// Purge deletes the stored device for an account. Unknown accounts are a no-op.
func (d *Driver) Purge(ctx context.Context, sessionID, accountID string) error {
	device, err := d.device(ctx, accountID)
	if err != nil || device == nil {
		return err
	}
	if err := d.container.DeleteDevice(ctx, device); err != nil {
		return fmt.Errorf("deleting device %s: %w", accountID, err)
	}
	d.logger.Info("purged whatsapp credentials", "session_id", sessionID, "account_id", accountID)
	return nil
}

// Close closes the credential database.
func (d *Driver) Close() error {
	return d.db.Close()
}

func (d *Driver) device(ctx context.Context, accountID string) (*store.Device, error) {
	if accountID == "" {
		return nil, nil
	}
	jid, err := types.ParseJID(accountID)
	if err != nil {
		return nil, fmt.Errorf("parsing account id %q: %w", accountID, err)
	}
	device, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", accountID, err)
	}
	return device, nil
}

var _ driver.Driver = (*Driver)(nil)
