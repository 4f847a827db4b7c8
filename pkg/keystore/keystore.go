// Package keystore derives the SQLCipher passphrase SessionStore is
// opened with, and holds the one long-lived secret the client cannot
// otherwise place anywhere durable: the access token issued by a
// completed SSO login. Both are encrypted at rest and bound to the
// machine they were created on, so the plaintext never has to live in
// config.toml or in memory any longer than a login/sync cycle needs.
package keystore

import (
	"bufio"
	cryptorand "crypto/rand"
	"crypto/sha512"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	_ "github.com/mutecomm/go-sqlcipher/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength       = 32
	pbkdf2Iterations = 256000 // matches SQLCipher's own KDF default
	keyLength        = 32

	cipherPageSize     = 4096
	cipherKdfIter      = 256000
	cipherHmacAlg      = "HMAC_SHA512"
	cipherKdfAlgorithm = "PBKDF2_HMAC_SHA512"
)

var ErrTokenNotFound = errors.New("keystore: token not found")

// Keystore derives a hardware-bound master key and, once opened, holds
// an encrypted SQLCipher database of access tokens keyed by account.
// Its zero value is not usable; construct with New.
type Keystore struct {
	dbPath string
	salt   []byte
	key    []byte

	mu sync.RWMutex
	db *sql.DB
}

// Config configures a Keystore. DBPath is required; MasterKey is
// optional, for callers (typically tests) that want a known key
// instead of one derived from this machine's hardware entropy.
type Config struct {
	DBPath    string
	MasterKey []byte
}

// New derives (or loads, on a second run) this machine's master key and
// returns an unopened Keystore. The salt persists next to DBPath so the
// same key is re-derived across restarts without any prompt.
func New(cfg Config) (*Keystore, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("keystore: DBPath is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("keystore: create directory: %w", err)
	}

	ks := &Keystore{dbPath: cfg.DBPath}
	if err := ks.loadOrGenerateSalt(); err != nil {
		return nil, fmt.Errorf("keystore: init salt: %w", err)
	}

	if cfg.MasterKey != nil {
		ks.key = cfg.MasterKey
	} else {
		ks.key = ks.deriveHardwareKey()
	}
	return ks, nil
}

// MasterKey returns the derived (or supplied) key. SessionStore.Load
// accepts this directly as its passphrase argument when
// config.ClientConfig.MasterKey is left unset, so a client never has to
// prompt for or persist a passphrase of its own.
func (ks *Keystore) MasterKey() []byte {
	return ks.key
}

// loadOrGenerateSalt loads the salt persisted alongside dbPath on a
// prior run, or generates and saves a new one. The salt, not the key
// itself, is what's stored: the key is re-derived from hardware entropy
// plus this salt every time, so nothing secret ever touches disk here.
func (ks *Keystore) loadOrGenerateSalt() error {
	saltPath := ks.dbPath + ".salt"

	if data, err := os.ReadFile(saltPath); err == nil {
		if salt, derr := base64.StdEncoding.DecodeString(string(data)); derr == nil && len(salt) == saltLength {
			ks.salt = salt
			return nil
		}
	}

	ks.salt = make([]byte, saltLength)
	if _, err := io.ReadFull(cryptorand.Reader, ks.salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	return os.WriteFile(saltPath, []byte(base64.StdEncoding.EncodeToString(ks.salt)), 0600)
}

// deriveHardwareKey derives a master key from machine-specific entropy
// via PBKDF2-HMAC-SHA512, so the resulting crypto.db/keystore.db pair is
// useless if copied to a different machine — "zero-touch" in the sense
// that no passphrase prompt is needed across a clean reboot of the same
// host, but moving the files elsewhere is a hard failure, not a silent
// decrypt.
func (ks *Keystore) deriveHardwareKey() []byte {
	return pbkdf2.Key(ks.collectEntropy(), ks.salt, pbkdf2Iterations, keyLength, sha512.New)
}

func (ks *Keystore) collectEntropy() []byte {
	var parts []string

	if id, err := readFile("/etc/machine-id"); err == nil && id != "" {
		parts = append(parts, strings.TrimSpace(id))
	}
	if id, err := readFile("/var/lib/dbus/machine-id"); err == nil && id != "" {
		parts = append(parts, strings.TrimSpace(id))
	}
	if uuid, err := readDMIProductUUID(); err == nil && uuid != "" {
		parts = append(parts, uuid)
	}
	if mac, err := primaryMAC(); err == nil && mac != "" {
		parts = append(parts, mac)
	}
	if hostname, err := os.Hostname(); err == nil {
		parts = append(parts, hostname)
	}
	parts = append(parts, runtime.GOOS, runtime.GOARCH)
	if cpuInfo, err := cpuInfo(); err == nil && cpuInfo != "" {
		parts = append(parts, cpuInfo)
	}

	return []byte(strings.Join(parts, ":"))
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func readDMIProductUUID() (string, error) {
	if uuid, err := readFile("/sys/class/dmi/id/product_uuid"); err == nil {
		uuid = strings.TrimSpace(uuid)
		if uuid != "" && uuid != "Not Settable" && uuid != "Not Present" {
			return uuid, nil
		}
	}
	if _, err := exec.LookPath("dmidecode"); err == nil {
		out, err := exec.Command("dmidecode", "-s", "system-uuid").Output()
		if err == nil {
			uuid := strings.TrimSpace(string(out))
			if uuid != "" && uuid != "Not Settable" && uuid != "Not Present" {
				return uuid, nil
			}
		}
	}
	return "", errors.New("no DMI product UUID available")
}

func primaryMAC() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 && len(iface.HardwareAddr) > 0 {
			return iface.HardwareAddr.String(), nil
		}
	}
	return "", errors.New("no suitable network interface found")
}

func cpuInfo() (string, error) {
	info, err := readFile("/proc/cpuinfo")
	if err != nil {
		return "", err
	}
	var fields []string
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() && len(fields) < 3 {
		line := scanner.Text()
		if strings.Contains(line, "model name") || strings.Contains(line, "vendor_id") {
			fields = append(fields, strings.TrimSpace(line))
		}
	}
	if len(fields) == 0 {
		return "", errors.New("no identifying cpuinfo fields found")
	}
	return strings.Join(fields, ","), nil
}

// Open opens (creating if necessary) the SQLCipher-encrypted token
// database at DBPath, keyed with the derived master key.
func (ks *Keystore) Open() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.db != nil {
		return nil
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma_key=x'%s'&_pragma_cipher_page_size=%d&_pragma_kdf_iter=%d&_pragma_cipher_hmac_algorithm=%s&_pragma_cipher_kdf_algorithm=%s&_foreign_keys=ON",
		ks.dbPath, hex.EncodeToString(ks.key), cipherPageSize, cipherKdfIter, cipherHmacAlg, cipherKdfAlgorithm,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("keystore: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("keystore: connect: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS access_tokens (
		id TEXT PRIMARY KEY,
		token_encrypted BLOB NOT NULL,
		nonce BLOB NOT NULL,
		homeserver_url TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return fmt.Errorf("keystore: init schema: %w", err)
	}

	ks.db = db
	return nil
}

// Close closes the token database.
func (ks *Keystore) Close() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.db == nil {
		return nil
	}
	err := ks.db.Close()
	ks.db = nil
	return err
}

// AccessToken is one login's credential, as returned by
// transport.Client.Login/LoginWithToken or sso.Server.Login.
type AccessToken struct {
	ID            string // caller-chosen, e.g. "default"
	Token         string
	HomeserverURL string
	UserID        string
	CreatedAt     int64
}

// StoreAccessToken encrypts and persists an access token, replacing any
// existing entry under the same ID.
func (ks *Keystore) StoreAccessToken(t AccessToken) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.db == nil {
		return errors.New("keystore: not open")
	}
	if t.ID == "" || t.Token == "" || t.HomeserverURL == "" {
		return errors.New("keystore: id, token, and homeserver_url are required")
	}

	encrypted, nonce, err := ks.encrypt([]byte(t.Token))
	if err != nil {
		return err
	}
	_, err = ks.db.Exec(
		`INSERT OR REPLACE INTO access_tokens (id, token_encrypted, nonce, homeserver_url, user_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, encrypted, nonce, t.HomeserverURL, t.UserID, t.CreatedAt,
	)
	return err
}

// RetrieveAccessToken decrypts and returns a previously stored token.
func (ks *Keystore) RetrieveAccessToken(id string) (*AccessToken, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.db == nil {
		return nil, errors.New("keystore: not open")
	}

	var t AccessToken
	var encrypted, nonce []byte
	row := ks.db.QueryRow(`SELECT id, token_encrypted, nonce, homeserver_url, user_id, created_at FROM access_tokens WHERE id = ?`, id)
	if err := row.Scan(&t.ID, &encrypted, &nonce, &t.HomeserverURL, &t.UserID, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("keystore: query token: %w", err)
	}

	plaintext, err := ks.decrypt(encrypted, nonce)
	if err != nil {
		return nil, err
	}
	t.Token = string(plaintext)
	return &t, nil
}

// DeleteAccessToken removes a stored token, e.g. on logout.
func (ks *Keystore) DeleteAccessToken(id string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.db == nil {
		return errors.New("keystore: not open")
	}
	_, err := ks.db.Exec(`DELETE FROM access_tokens WHERE id = ?`, id)
	return err
}

func (ks *Keystore) encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(cryptorand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("keystore: generate nonce: %w", err)
	}
	aead, err := chacha20poly1305.NewX(ks.key)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: build cipher: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (ks *Keystore) decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("keystore: invalid nonce size %d", len(nonce))
	}
	aead, err := chacha20poly1305.NewX(ks.key)
	if err != nil {
		return nil, fmt.Errorf("keystore: build cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypt (tampered or corrupted): %w", err)
	}
	return plaintext, nil
}
