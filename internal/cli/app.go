// Package cli implements the notesync command line client. It wires the
// local database, the trust manager and the note service together and
// exposes them as commands.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disnet/flint-note-sync/internal/cli/config"
	"github.com/disnet/flint-note-sync/internal/common"
	"github.com/disnet/flint-note-sync/internal/crdt"
	"github.com/disnet/flint-note-sync/internal/localstore"
	"github.com/disnet/flint-note-sync/internal/logging"
	"github.com/disnet/flint-note-sync/internal/notes"
	"github.com/disnet/flint-note-sync/internal/storage"
	"github.com/disnet/flint-note-sync/internal/trust"
)

// App holds everything a command needs. Remote pieces (bucket, exchange)
// are dialed lazily so purely local commands work offline.
type App struct {
	config *config.Config
	log    logging.Logger
	local  *localstore.Store
	store  *crdt.Store
	trust  *trust.Manager
	svc    *notes.Service

	identity *trust.VaultIdentity

	remote *remoteDialer

	in  *bufio.Reader
	out io.Writer
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	local, err := localstore.Open(ctx, filepath.Join(cfg.DataDir, "local.db"))
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}

	kp, err := deviceKeyPair(ctx, local)
	if err != nil {
		local.Close()
		return nil, err
	}

	dialer := &remoteDialer{cfg: cfg, devicePub: kp.PublicKey()}

	tm, err := trust.NewManager(logger, dialer, cfg.DeviceID, trust.WithKeyPair(kp))
	if err != nil {
		local.Close()
		return nil, err
	}

	app := &App{
		config: cfg,
		log:    logger,
		local:  local,
		store:  crdt.NewStore(cfg.DeviceID),
		trust:  tm,
		remote: dialer,
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}
	app.svc = notes.NewService(logger, app.store, tm, local)

	if data, err := local.GetKV(ctx, localstore.KeyVaultIdentity); err == nil {
		identity := &trust.VaultIdentity{}
		if err := json.Unmarshal(data, identity); err != nil {
			local.Close()
			return nil, fmt.Errorf("corrupt vault identity: %w", err)
		}
		app.identity = identity
	} else if !errors.Is(err, common.ErrNotFound) {
		local.Close()
		return nil, err
	}

	return app, nil
}

func (a *App) Close() error {
	return a.local.Close()
}

// deviceKeyPair loads the device's long-term key pair from the local
// database, generating and persisting one on first run.
func deviceKeyPair(ctx context.Context, local *localstore.Store) (*trust.KeyPair, error) {
	data, err := local.GetKV(ctx, localstore.KeyDeviceKey)
	if err == nil {
		return trust.LoadKeyPair(data)
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	kp, err := trust.NewKeyPair()
	if err != nil {
		return nil, err
	}
	if err := local.PutKV(ctx, localstore.KeyDeviceKey, kp.Bytes()); err != nil {
		return nil, err
	}
	return kp, nil
}

// unlock brings the app into the authorized state: it loads the vault
// identity, asks for the backup password, opens the vault session and
// restores the persisted working set. A no-op when already unlocked.
func (a *App) unlock(ctx context.Context) error {
	if a.trust.State() == trust.Authorized {
		return nil
	}
	if a.identity == nil {
		return errors.New("this device holds no vault; run 'notesync init' or 'notesync join' first")
	}

	blob, err := a.local.GetKV(ctx, localstore.KeyBackupBlob)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return errors.New("no password backup on this device; run 'notesync backup' on an authorized device")
		}
		return err
	}
	backup := &trust.Backup{}
	if err := json.Unmarshal(blob, backup); err != nil {
		return fmt.Errorf("corrupt backup blob: %w", err)
	}

	password, err := GetPassword(a.out, "Vault password: ")
	if err != nil {
		return err
	}
	defer common.Wipe(password)

	session, err := trust.OpenBackup(password, backup)
	if err != nil {
		return err
	}
	if err := a.trust.Restore(a.identity, session); err != nil {
		session.Close()
		return err
	}
	return a.svc.LoadPersisted(ctx)
}

// saveIdentity persists the trust manager's current vault identity so the
// next run can restore it without re-pairing.
func (a *App) saveIdentity(ctx context.Context) error {
	identity := a.trust.Identity()
	if identity == nil {
		return errors.New("no vault identity to save")
	}
	data, err := json.Marshal(identity)
	if err != nil {
		return err
	}
	if err := a.local.PutKV(ctx, localstore.KeyVaultIdentity, data); err != nil {
		return err
	}
	a.identity = identity
	return nil
}

// setupBackup asks for a fresh password and enables the password backup,
// which also persists the wrapped blob locally for future unlocks.
func (a *App) setupBackup(ctx context.Context) error {
	password, err := GetNewPassword(a.out)
	if err != nil {
		return err
	}
	defer common.Wipe(password)
	_, err = a.svc.EnablePasswordBackup(ctx, password)
	return err
}

// remoteDialer builds the shared-bucket plumbing on first use and
// implements the trust exchange on top of it. The credential broker scopes
// every credential to the vault's storage prefix, which doubles as the
// rendezvous prefix for pairing.
type remoteDialer struct {
	cfg       *config.Config
	devicePub []byte

	mu     sync.Mutex
	bucket *storage.S3Store
	scope  string
	ex     *trust.ObjectExchange
}

func (d *remoteDialer) dial(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bucket != nil {
		return nil
	}

	tokens := &fileTokenSource{path: d.cfg.TokenPath, devicePub: d.devicePub}
	client := storage.NewBrokerClient(d.cfg.BrokerURL, nil)
	source := storage.NewRefreshingSource(client, tokens)

	cred, err := source.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("obtain storage credentials: %w", err)
	}

	bucket, err := storage.NewS3Store(ctx, storage.S3Config{
		Region:       d.cfg.S3Region,
		Bucket:       d.cfg.S3Bucket,
		BaseEndpoint: d.cfg.S3Endpoint,
	}, source)
	if err != nil {
		return fmt.Errorf("dial object storage: %w", err)
	}

	d.bucket = bucket
	d.scope = strings.TrimSuffix(cred.PathPrefix, "/")
	d.ex = trust.NewObjectExchange(bucket, d.scope)
	return nil
}

// Bucket returns the shared bucket and the vault's storage scope.
func (d *remoteDialer) Bucket(ctx context.Context) (*storage.S3Store, string, error) {
	if err := d.dial(ctx); err != nil {
		return nil, "", err
	}
	return d.bucket, d.scope, nil
}

func (d *remoteDialer) PublishRequest(ctx context.Context, req *trust.AuthorizationRequest) error {
	if err := d.dial(ctx); err != nil {
		return err
	}
	return d.ex.PublishRequest(ctx, req)
}

func (d *remoteDialer) PendingRequests(ctx context.Context) ([]*trust.AuthorizationRequest, error) {
	if err := d.dial(ctx); err != nil {
		return nil, err
	}
	return d.ex.PendingRequests(ctx)
}

func (d *remoteDialer) PublishGrant(ctx context.Context, g *trust.Grant) error {
	if err := d.dial(ctx); err != nil {
		return err
	}
	return d.ex.PublishGrant(ctx, g)
}

func (d *remoteDialer) TakeGrant(ctx context.Context, deviceID string) (*trust.Grant, error) {
	if err := d.dial(ctx); err != nil {
		return nil, err
	}
	return d.ex.TakeGrant(ctx, deviceID)
}

// fileTokenSource reads the current access token from a file. Tokens are
// single use; the login tooling that writes the file is responsible for
// keeping it fresh. Every exchange presents the device's long-term public
// key, which the issuer bound into the token's cnf claim, so the broker's
// proof-of-possession check passes only on this device.
type fileTokenSource struct {
	path      string
	devicePub []byte
}

func (s *fileTokenSource) AccessToken(_ context.Context) (string, []byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", nil, fmt.Errorf("read access token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", nil, errors.New("access token file is empty")
	}
	return token, s.devicePub, nil
}
