package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/loveace/acelink/cmd/common"
	"github.com/loveace/acelink/internal/config"
	"github.com/loveace/acelink/internal/store"
	"github.com/loveace/acelink/pkg/acehttp"
	"github.com/loveace/acelink/pkg/credman"
	"github.com/loveace/acelink/pkg/credman/keyring"
	"github.com/loveace/acelink/pkg/logger"
	"github.com/loveace/acelink/pkg/retry"
	"github.com/loveace/acelink/pkg/session"
)

var (
	appFs afero.Fs = afero.NewOsFs()
	// stdin is where prompted passwords are read from.
	stdin io.Reader = os.Stdin
	// logOutput receives log lines; stdout stays reserved for results.
	logOutput io.Writer = os.Stderr

	newKeyStores = func(dir string) []keyring.KeyStore {
		return []keyring.KeyStore{
			keyring.NewKeyring(),
			keyring.NewFileKeyStore(appFs, dir),
		}
	}

	newHTTPClient = acehttp.NewHTTPClient

	// loginRetry overrides the login backoff, nil means the default.
	loginRetry *retry.Config
)

var errNoUser = errors.New("no user given, use --user or set ACELINK_USER")

// env is what every command needs: the config, a logger, the snapshot
// store and, opened on demand, the credential vault.
type env struct {
	cfg   *config.Config
	log   logger.Logger
	store store.Store
	vault *credman.Vault
	user  string
}

func loadEnv(ctx *cli.Context, cmd string) (*env, error) {
	dir, err := config.DefaultDir()
	if err != nil {
		common.PrintRuntimeErr(ctx, cmd, "config-dir", err)
		return nil, err
	}
	cfg, err := config.Load(appFs, dir, configPath)
	if err != nil {
		common.PrintRuntimeErr(ctx, cmd, "config", err)
		return nil, err
	}
	if userID != "" {
		cfg.User = userID
	}
	if debug {
		cfg.Debug = true
	}
	if cfg.User == "" {
		return nil, errNoUser
	}

	e := &env{cfg: cfg, user: cfg.User, log: newLogger(cfg, logOutput)}
	e.store, err = openStore(context.Background(), cfg)
	if err != nil {
		common.PrintRuntimeErr(ctx, cmd, "store", err)
		return nil, err
	}
	return e, nil
}

func newLogger(cfg *config.Config, w io.Writer) logger.Logger {
	l := logger.NewStandardLogger(log.New(w, "acelink: ", log.LstdFlags))
	if cfg.Debug {
		l.EnableDebug()
	}
	return l
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0o700); err != nil {
			return nil, err
		}
		return store.OpenSQLite(ctx, cfg.Store.DSN, cfg.StoreTTL())
	case "redis":
		return store.DialRedis(ctx, cfg.Store.DSN, cfg.Store.RedisPassword, cfg.Store.RedisDB, cfg.StoreTTL())
	default:
		return store.Nop{}, nil
	}
}

// vaultKey returns $ACELINK_VAULT_KEY when set, otherwise the key held by
// the OS keyring with a key file in the config dir as fallback.
func vaultKey(dir string) ([]byte, error) {
	if keyHex := os.Getenv(config.EnvVaultKey); keyHex != "" {
		return keyring.DecodeKey(keyHex)
	}
	return keyring.Resolve(newKeyStores(dir)...)
}

func (e *env) openVault(ctx *cli.Context, cmd string) (*credman.Vault, error) {
	if e.vault != nil {
		return e.vault, nil
	}
	key, err := vaultKey(e.cfg.Dir)
	if err != nil {
		common.PrintRuntimeErr(ctx, cmd, "keyring", err)
		return nil, err
	}
	v, err := credman.Open(appFs, e.cfg.VaultPath(), key)
	if err != nil {
		common.PrintRuntimeErr(ctx, cmd, "credman", err)
		return nil, err
	}
	e.vault = v
	return v, nil
}

// credentials returns the saved credentials of the user, if any.
func (e *env) credentials(ctx *cli.Context, cmd string) (session.Credentials, bool, error) {
	v, err := e.openVault(ctx, cmd)
	if err != nil {
		return session.Credentials{}, false, err
	}
	c, err := v.Load(e.user)
	if errors.Is(err, credman.ErrNotFound) {
		return session.Credentials{}, false, nil
	}
	if err != nil {
		return session.Credentials{}, false, err
	}
	return c, true, nil
}

// newManager builds a session manager from the config. hook may be nil.
func (e *env) newManager(hook func(from, to session.State)) (*session.Manager, error) {
	opts := e.cfg.SessionOptions()
	opts.Logger = e.log
	opts.Retry = loginRetry
	opts.OnStateChange = hook
	if e.cfg.Transport.Proxy != "" {
		hc, err := newHTTPClient(e.cfg.Transport.Proxy)
		if err != nil {
			return nil, err
		}
		opts.HTTPClient = hc
	}
	if e.cfg.CAS.ServiceDomain != "" {
		opts.Probe = serviceProbe(e.cfg.CAS.ServiceDomain)
	}
	return session.New(opts)
}

// serviceProbe fetches the downstream system; any non-error status below
// 400 counts as alive.
func serviceProbe(rawURL string) session.Probe {
	return func(ctx context.Context, m *session.Manager) error {
		resp, err := m.Get(ctx, rawURL)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("probe %s: status %d", rawURL, resp.StatusCode)
		}
		return nil
	}
}

// restore loads the saved session of the user into m and installs saved
// credentials so an expired tunnel can be renewed silently. It reports
// whether a snapshot was found.
func (e *env) restore(ctx context.Context, cctx *cli.Context, cmd string, m *session.Manager) (bool, error) {
	found := true
	snap, err := e.store.Load(ctx, e.user)
	switch {
	case errors.Is(err, store.ErrNotFound):
		found = false
	case err != nil:
		return false, err
	default:
		if err := m.Restore(snap); err != nil {
			return false, err
		}
	}
	creds, ok, err := e.credentials(cctx, cmd)
	if err != nil {
		return found, err
	}
	if ok {
		m.SetCredentials(creds)
	}
	return found, nil
}

// save persists m under the user id. Failures are reported but not fatal.
func (e *env) save(ctx context.Context, cctx *cli.Context, cmd string, m *session.Manager) {
	if err := e.store.Save(ctx, e.user, m.Snapshot()); err != nil {
		common.PrintRuntimeErr(cctx, cmd, "save-session", err)
	}
}

func (e *env) Close() {
	if e.vault != nil {
		e.vault.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
	e.log.Close()
}
