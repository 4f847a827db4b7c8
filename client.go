// Package matrixe2e ties together transport, the three crypto engines,
// the storage layer and the sync dispatcher into a single Client a host
// application constructs once per Matrix account.
package matrixe2e

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hearthline/matrix-e2e/pkg/config"
	"github.com/hearthline/matrix-e2e/pkg/devices"
	"github.com/hearthline/matrix-e2e/pkg/eventbus"
	"github.com/hearthline/matrix-e2e/pkg/housekeeping"
	"github.com/hearthline/matrix-e2e/pkg/keydist"
	"github.com/hearthline/matrix-e2e/pkg/keystore"
	"github.com/hearthline/matrix-e2e/pkg/logger"
	"github.com/hearthline/matrix-e2e/pkg/megolm"
	"github.com/hearthline/matrix-e2e/pkg/metrics"
	"github.com/hearthline/matrix-e2e/pkg/olm"
	"github.com/hearthline/matrix-e2e/pkg/roomstate"
	"github.com/hearthline/matrix-e2e/pkg/sso"
	"github.com/hearthline/matrix-e2e/pkg/store"
	"github.com/hearthline/matrix-e2e/pkg/sync"
	"github.com/hearthline/matrix-e2e/pkg/timeline"
	"github.com/hearthline/matrix-e2e/pkg/transport"
)

const megolmSessionMaxAge = 7 * 24 * time.Hour
const megolmSessionMaxMessages = 100

// Client is a running Matrix end-to-end-encrypted session: one
// homeserver account on one device, with its own crypto state, room
// state and event stream. Construct with Open; call Close when done.
type Client struct {
	cfg *config.Config
	log *logger.Logger

	keystore  *keystore.Keystore
	store     *store.SessionStore
	roomState *roomstate.Index
	timeline  *timeline.Log

	transport *transport.Client
	registry  *devices.Registry
	olm       *olm.Engine
	megolm    *megolm.Engine
	keydist   *keydist.Engine

	bus     *eventbus.EventBus
	sync    *sync.Dispatcher
	house   *housekeeping.Scheduler
	metrics *metrics.Metrics
}

// Open loads or initializes every durable store under cfg.Client.BaseDir,
// connects the crypto engines, and — if the account has never uploaded
// device keys — publishes its identity keys to the homeserver. It does
// not start syncing; call Run for that.
func Open(ctx context.Context, cfg *config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("matrixe2e: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		Component: "matrix-e2e",
	})
	if err != nil {
		return nil, fmt.Errorf("matrixe2e: build logger: %w", err)
	}
	cryptoLog := logger.NewCryptoLogger(log)

	passphrase, ks, err := resolvePassphrase(cfg, log)
	if err != nil {
		return nil, err
	}

	st, err := store.Load(cfg.CryptoDBPath(), passphrase)
	if err != nil {
		if ks != nil {
			ks.Close()
		}
		return nil, fmt.Errorf("matrixe2e: open crypto store: %w", err)
	}

	rs, err := roomstate.Load(cfg.RoomStateDBPath())
	if err != nil {
		st.Close()
		if ks != nil {
			ks.Close()
		}
		return nil, fmt.Errorf("matrixe2e: open room state index: %w", err)
	}

	tl, err := timeline.Load(cfg.TimelineDBPath())
	if err != nil {
		rs.Close()
		st.Close()
		if ks != nil {
			ks.Close()
		}
		return nil, fmt.Errorf("matrixe2e: open timeline log: %w", err)
	}

	tr, err := transport.New(transport.Config{
		HomeserverURL: cfg.Client.HomeserverURL,
		AccessToken:   cfg.Client.AccessToken,
		UserID:        cfg.Client.UserID,
		DeviceID:      cfg.Client.DeviceID,
	})
	if err != nil {
		tl.Close()
		rs.Close()
		st.Close()
		if ks != nil {
			ks.Close()
		}
		return nil, fmt.Errorf("matrixe2e: build transport client: %w", err)
	}

	account := st.Account()
	registry := devices.New(tr, cfg.Client.UserID, cfg.Client.DeviceID, account, cryptoLog)
	olmEngine := olm.New(st, registry, tr, account, cfg.Client.UserID, cfg.Client.DeviceID, cryptoLog)
	keydistEngine := keydist.New(st, registry, olmEngine, account, cfg.Client.UserID, cfg.Client.DeviceID, cryptoLog)
	megolmEngine := megolm.New(st, registry, keydistEngine, account, cfg.Client.UserID, cfg.Client.DeviceID, megolm.Settings{
		SessionsMaxAge:      megolmSessionMaxAge,
		SessionsMaxMessages: megolmSessionMaxMessages,
	}, cryptoLog)

	m := metrics.New()

	bus := eventbus.NewEventBus(eventbus.Config{
		WebSocketEnabled:  cfg.EventBus.WebSocketEnabled,
		WebSocketAddr:     cfg.EventBus.WebSocketAddr,
		WebSocketPath:     cfg.EventBus.WebSocketPath,
		MaxSubscribers:    cfg.EventBus.MaxSubscribers,
		InactivityTimeout: cfg.InactivityTimeout(),
	})

	c := &Client{
		cfg:       cfg,
		log:       log,
		keystore:  ks,
		store:     st,
		roomState: rs,
		timeline:  tl,
		transport: tr,
		registry:  registry,
		olm:       olmEngine,
		megolm:    megolmEngine,
		keydist:   keydistEngine,
		bus:       bus,
		metrics:   m,
	}

	if err := c.ensureDeviceKeysUploaded(ctx); err != nil {
		c.Close()
		return nil, err
	}

	c.sync = sync.New(tr, registry, olmEngine, megolmEngine, keydistEngine, rs, tl, account, cfg, "", bus, log, m)
	c.house = housekeeping.New(account, olmEngine, megolmEngine, keydistEngine, registry, log)

	return c, nil
}

// resolvePassphrase returns the SQLCipher passphrase for the crypto
// store: the configured master key if one was set, otherwise a
// hardware-bound key derived and persisted by a Keystore next to the
// rest of the account's state. The returned Keystore is nil (and must
// not be closed) when the caller's own MasterKey was used instead.
func resolvePassphrase(cfg *config.Config, log *logger.Logger) ([]byte, *keystore.Keystore, error) {
	if cfg.Client.MasterKey != "" {
		return []byte(cfg.Client.MasterKey), nil, nil
	}

	ks, err := keystore.New(keystore.Config{DBPath: filepath.Join(cfg.Client.BaseDir, "keystore.db")})
	if err != nil {
		return nil, nil, fmt.Errorf("matrixe2e: build keystore: %w", err)
	}
	if err := ks.Open(); err != nil {
		return nil, nil, fmt.Errorf("matrixe2e: open keystore: %w", err)
	}
	log.Info("derived sqlcipher passphrase from hardware-bound keystore")
	return ks.MasterKey(), ks, nil
}

// ensureDeviceKeysUploaded publishes this device's Olm and Megolm
// identity keys to the homeserver, signed with the account's Ed25519
// key, the first time the client ever runs against this account. Later
// runs see DeviceKeysUploaded() true and skip straight past it.
func (c *Client) ensureDeviceKeysUploaded(ctx context.Context) error {
	if c.store.DeviceKeysUploaded() {
		return nil
	}

	account := c.store.Account()
	identity := account.IdentityKeys()
	deviceID := c.cfg.Client.DeviceID
	userID := c.cfg.Client.UserID

	deviceKeys := map[string]interface{}{
		"user_id":    userID,
		"device_id":  deviceID,
		"algorithms": []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
		"keys": map[string]string{
			"curve25519:" + deviceID: identity.Curve25519,
			"ed25519:" + deviceID:    identity.Ed25519,
		},
	}
	sig, err := account.Sign(deviceKeys)
	if err != nil {
		return fmt.Errorf("matrixe2e: sign device keys: %w", err)
	}
	deviceKeys["signatures"] = map[string]map[string]string{
		userID: {"ed25519:" + deviceID: sig},
	}

	if _, err := c.transport.UploadKeys(ctx, deviceKeys, nil); err != nil {
		return fmt.Errorf("matrixe2e: upload device keys: %w", err)
	}
	if err := c.store.MarkDeviceKeysUploaded(); err != nil {
		return fmt.Errorf("matrixe2e: persist device keys uploaded flag: %w", err)
	}
	c.log.Info("uploaded device keys", "user_id", userID, "device_id", deviceID)
	return nil
}

// Login runs one m.login.sso redirect cycle against the configured
// homeserver, printing the URL to visit via urlReady, and stores the
// resulting access token in the client's Keystore (if it has one) so a
// later Open can run unattended.
func (c *Client) Login(ctx context.Context, urlReady func(url string)) (*transport.LoginResult, error) {
	s := sso.New(sso.Config{
		HomeserverURL: c.cfg.Client.HomeserverURL,
		CallbackAddr:  c.cfg.SSO.CallbackAddr,
	}, c.transport, c.log)

	result, err := s.Login(ctx, urlReady)
	if err != nil {
		return nil, err
	}

	if c.keystore != nil {
		err := c.keystore.StoreAccessToken(keystore.AccessToken{
			ID:            "default",
			Token:         result.AccessToken,
			HomeserverURL: c.cfg.Client.HomeserverURL,
			UserID:        result.UserID,
		})
		if err != nil {
			c.log.Warn("failed to persist sso access token", "error", err)
		}
	}
	return result, nil
}

// PasswordLogin authenticates via m.login.password and stores the
// resulting access token the same way Login does. Most homeservers in
// the wild disable password login in favor of SSO; this exists for the
// ones that don't.
func (c *Client) PasswordLogin(ctx context.Context, username, password string) (*transport.LoginResult, error) {
	result, err := c.transport.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if c.keystore != nil {
		err := c.keystore.StoreAccessToken(keystore.AccessToken{
			ID:            "default",
			Token:         result.AccessToken,
			HomeserverURL: c.cfg.Client.HomeserverURL,
			UserID:        result.UserID,
		})
		if err != nil {
			c.log.Warn("failed to persist password-login access token", "error", err)
		}
	}
	return result, nil
}

// Run starts the event bus, the housekeeping scheduler and the sync
// long-poll loop, and blocks until ctx is cancelled or the sync loop
// returns a non-recoverable error.
func (c *Client) Run(ctx context.Context) error {
	if err := c.bus.Start(); err != nil {
		return fmt.Errorf("matrixe2e: start event bus: %w", err)
	}
	if err := c.house.Start(); err != nil {
		c.bus.Stop()
		return fmt.Errorf("matrixe2e: start housekeeping scheduler: %w", err)
	}

	err := c.sync.SyncForever(ctx, c.cfg.Client.SyncTimeoutSeconds*1000, sync.Options{})

	c.house.Stop()
	c.bus.Stop()
	return err
}

// Registry exposes the device registry so a host application can list
// devices and set trust state.
func (c *Client) Registry() *devices.Registry { return c.registry }

// EventBus exposes the event bus so a host application can subscribe to
// decrypted timeline events and to-device notifications.
func (c *Client) EventBus() *eventbus.EventBus { return c.bus }

// Metrics exposes the Prometheus collectors so a host application can
// serve them (e.g. via promhttp.Handler).
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// Close releases every open store. Safe to call after a failed Open.
func (c *Client) Close() error {
	if c.timeline != nil {
		c.timeline.Close()
	}
	if c.roomState != nil {
		c.roomState.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
	if c.keystore != nil {
		c.keystore.Close()
	}
	return nil
}
