package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"giglink/api"
	"giglink/config"
	"giglink/crypto"
	"giglink/discovery"
	"giglink/logging"
	"giglink/realtime"
	"giglink/session"
	"giglink/storage"
)

var (
	errNotLoggedIn  = errors.New("not logged in; run `giglink login` first")
	errSessionEnded = errors.New("session ended; run `giglink login` again")
)

// app is the per-invocation service graph. Every service is constructed here
// and passed down explicitly.
type app struct {
	cfg     *config.ClientConfig
	cfgPath string
	logger  zerolog.Logger
	store   *storage.Store
	session *session.Session
	api     *api.Client

	apiURL string
	wsURL  string

	hooksMu     sync.Mutex
	logoutHooks []func()
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	pretty, _ := cmd.Flags().GetBool("pretty")
	logger := logging.New(logging.Options{Level: level, Pretty: pretty})

	if override, _ := cmd.Flags().GetString("api-url"); override != "" {
		cfg.APIURL = override
		cfg.WSURL = ""
	}

	key, err := crypto.EnsureStorageKey(cfg.StorageKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare storage key: %w", err)
	}

	store, dbPath, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return nil, fmt.Errorf("open local storage: %w", err)
	}
	logger.Debug().Str("config", cfgPath).Str("database", dbPath).Str("device_id", cfg.DeviceID).Msg("starting")

	a := &app{cfg: cfg, cfgPath: cfgPath, logger: logger, store: store}
	sess, err := session.New(session.Options{
		Storage:  store,
		SealKey:  key,
		Logger:   logger,
		OnLogout: a.sessionEnded,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.session = sess
	if err := sess.Restore(); err != nil {
		logger.Warn().Err(err).Msg("discarding unreadable stored session")
		sess.Invalidate()
	}

	if err := a.resolveBackend(cmd.Context()); err != nil {
		_ = store.Close()
		return nil, err
	}

	client, err := api.NewClient(api.Options{
		BaseURL:        a.apiURL,
		Tokens:         sess,
		Logger:         logger,
		OnUnauthorized: sess.Invalidate,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.api = client
	return a, nil
}

func (a *app) resolveBackend(ctx context.Context) error {
	if !a.cfg.UsesDiscovery() {
		a.apiURL = a.cfg.APIURL
		a.wsURL = a.cfg.ResolvedWSURL()
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := discovery.Discover(ctx, discovery.Config{})
	if err != nil {
		return fmt.Errorf("discover backend: %w", err)
	}
	a.apiURL = backend.APIURL()
	a.wsURL = backend.WSURL()
	if a.cfg.WSURL != "" {
		a.wsURL = a.cfg.WSURL
	}
	a.logger.Info().Str("instance", backend.Instance).Str("api_url", a.apiURL).Msg("backend discovered")
	return nil
}

func (a *app) requireLogin() (string, error) {
	if a.session.Status() != session.StatusAuthenticated {
		return "", errNotLoggedIn
	}
	return a.session.UserID(), nil
}

// connect opens the session's single real-time channel.
func (a *app) connect(ctx context.Context) (*realtime.Channel, error) {
	if _, err := a.requireLogin(); err != nil {
		return nil, err
	}
	ch, err := realtime.New(realtime.Options{
		URL:           a.wsURL,
		Tokens:        a.session,
		Logger:        a.logger,
		TypingTimeout: time.Duration(a.cfg.TypingTimeout),
	})
	if err != nil {
		return nil, err
	}
	if err := ch.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to gateway: %w", err)
	}
	a.onLogout(func() {
		_ = ch.Close()
		a.logger.Info().Msg("session ended, real-time channel closed")
	})
	return ch, nil
}

// onLogout registers fn to run when the session ends, including when the
// backend rejects the token.
func (a *app) onLogout(fn func()) {
	a.hooksMu.Lock()
	a.logoutHooks = append(a.logoutHooks, fn)
	a.hooksMu.Unlock()
}

// sessionEnded runs the logout hooks. It is called from whichever goroutine saw
// the 401, so each hook runs on its own goroutine.
func (a *app) sessionEnded() {
	a.hooksMu.Lock()
	hooks := a.logoutHooks
	a.logoutHooks = nil
	a.hooksMu.Unlock()

	for _, fn := range hooks {
		go fn()
	}
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close local storage")
	}
}

// withApp wraps a command body with app construction and teardown.
func withApp(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		return run(cmd, a, args)
	}
}
