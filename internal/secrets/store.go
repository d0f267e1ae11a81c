// Package secrets implements at-rest storage for control-plane API tokens
// and per-tunnel runtime credentials.  When a master passphrase is
// configured all payloads are sealed with AES-256-GCM; otherwise they are
// written as plaintext JSON.  No other package handles key material.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

const (
	saltFile  = "master.salt"
	saltSize  = 16
	nonceSize = 12
	tagSize   = 16

	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// ErrNoCredential is returned when the requested secret does not exist.
var ErrNoCredential = errors.New("credential not found")

// Store persists secrets under <dataDir>/secrets and materializes decrypted
// credentials files under <dataDir>/run for the tunnel process to consume.
type Store struct {
	dir    string
	runDir string
	key    []byte // nil = plaintext at rest
}

// envelope is the on-disk form of an encrypted payload.
type envelope struct {
	Encrypted bool   `json:"encrypted"`
	IV        string `json:"iv"`
	AuthTag   string `json:"authTag"`
	Data      string `json:"data"`
}

// Open prepares the secret store rooted at dataDir.  A non-empty passphrase
// enables AES-256-GCM sealing with a key derived via scrypt from the
// passphrase and a per-store random salt.
func Open(dataDir, passphrase string) (*Store, error) {
	s := &Store{
		dir:    filepath.Join(dataDir, "secrets"),
		runDir: filepath.Join(dataDir, "run"),
	}
	for _, d := range []string{s.dir, s.runDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("create secret dir: %w", err)
		}
	}
	if passphrase == "" {
		return s, nil
	}

	salt, err := s.loadOrCreateSalt()
	if err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	s.key = key
	return s, nil
}

// Encrypted reports whether payloads are sealed at rest.
func (s *Store) Encrypted() bool {
	return s.key != nil
}

// SaveAccountToken persists the control-plane API token for an account.
func (s *Store) SaveAccountToken(accountID, token string) error {
	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return err
	}
	return s.write(s.accountPath(accountID), payload)
}

// LoadAccountToken returns the stored API token for an account.
func (s *Store) LoadAccountToken(accountID string) (string, error) {
	payload, err := s.read(s.accountPath(accountID))
	if err != nil {
		return "", err
	}
	var v struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", fmt.Errorf("decode account credential: %w", err)
	}
	return v.Token, nil
}

// SaveTunnelCredentials stores the cloudflared credentials blob for a tunnel.
func (s *Store) SaveTunnelCredentials(tunnelID string, blob []byte) error {
	return s.write(s.tunnelCredsPath(tunnelID), blob)
}

// SaveTunnelToken stores the opaque runtime token for a token-mode tunnel.
func (s *Store) SaveTunnelToken(tunnelID, token string) error {
	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return err
	}
	return s.write(s.tunnelTokenPath(tunnelID), payload)
}

// LoadTunnelToken returns the stored runtime token for a tunnel.
func (s *Store) LoadTunnelToken(tunnelID string) (string, error) {
	payload, err := s.read(s.tunnelTokenPath(tunnelID))
	if err != nil {
		return "", err
	}
	var v struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", fmt.Errorf("decode tunnel token: %w", err)
	}
	return v.Token, nil
}

// MaterializeCredentials decrypts the stored credentials blob for a tunnel
// and writes it as a plaintext file the tunnel process can read, returning
// the file path.  The file lives only under the run directory and is removed
// with [Store.RemoveTunnel].
func (s *Store) MaterializeCredentials(tunnelID string) (string, error) {
	blob, err := s.read(s.tunnelCredsPath(tunnelID))
	if err != nil {
		return "", err
	}
	path := s.CredentialsFilePath(tunnelID)
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return "", fmt.Errorf("write credentials file: %w", err)
	}
	return path, nil
}

// CredentialsFilePath returns where the materialized credentials file for a
// tunnel lives, whether or not it currently exists.
func (s *Store) CredentialsFilePath(tunnelID string) string {
	return filepath.Join(s.runDir, tunnelID+".json")
}

// HasTunnelCredentials reports whether a credentials blob is stored for the
// tunnel.
func (s *Store) HasTunnelCredentials(tunnelID string) bool {
	_, err := os.Stat(s.tunnelCredsPath(tunnelID))
	return err == nil
}

// RemoveTunnel deletes all stored and materialized secrets for a tunnel.
func (s *Store) RemoveTunnel(tunnelID string) error {
	var firstErr error
	for _, p := range []string{
		s.tunnelCredsPath(tunnelID),
		s.tunnelTokenPath(tunnelID),
		s.CredentialsFilePath(tunnelID),
	} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) accountPath(accountID string) string {
	return filepath.Join(s.dir, "account-"+accountID+".json")
}

func (s *Store) tunnelCredsPath(tunnelID string) string {
	return filepath.Join(s.dir, "tunnel-"+tunnelID+".creds.json")
}

func (s *Store) tunnelTokenPath(tunnelID string) string {
	return filepath.Join(s.dir, "tunnel-"+tunnelID+".token.json")
}

func (s *Store) loadOrCreateSalt() ([]byte, error) {
	path := filepath.Join(s.dir, saltFile)
	if b, err := os.ReadFile(path); err == nil && len(b) == saltSize {
		return b, nil
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}

func (s *Store) write(path string, payload []byte) error {
	out := payload
	if s.key != nil {
		sealed, err := s.seal(payload)
		if err != nil {
			return err
		}
		out = sealed
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) read(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCredential
		}
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Encrypted {
		if s.key == nil {
			return nil, errors.New("payload is encrypted but no master key is configured")
		}
		return s.open(env)
	}
	return raw, nil
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	// GCM appends the auth tag to the ciphertext; the envelope keeps them
	// in separate fields.
	data, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return json.Marshal(envelope{
		Encrypted: true,
		IV:        hex.EncodeToString(nonce),
		AuthTag:   hex.EncodeToString(tag),
		Data:      hex.EncodeToString(data),
	})
}

func (s *Store) open(env envelope) ([]byte, error) {
	nonce, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	tag, err := hex.DecodeString(env.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("decode auth tag: %w", err)
	}
	data, err := hex.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, append(data, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	return plaintext, nil
}
