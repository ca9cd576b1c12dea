// Package credentials stores provider secrets (API keys, OAuth refresh
// tokens, database passwords) in ~/.meetpipe/secrets.yaml. Every value is
// encrypted with AES-GCM under a 32-byte key that lives outside the file:
//   - macOS: Keychain
//   - Windows: Credential Manager
//   - Linux: Secret Service (libsecret)
//
// For CI, set MEETPIPE_ENCRYPTION_KEY to a 64-character hex string. Where no
// keyring exists, MEETPIPE_PASSPHRASE derives the key with Argon2id.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage constants.
const (
	DefaultCredentialsDir = ".meetpipe"
	SecretsFile           = "secrets.yaml"
)

var (
	// ErrNoSecret is returned when the named secret is not stored.
	ErrNoSecret = errors.New("secret not stored")
	// ErrInvalidName is returned for names outside [a-z0-9_].
	ErrInvalidName = errors.New("invalid secret name")
	// ErrEncryptionFailed is returned when encryption/decryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
)

// secretsFile is the on-disk layout. Values are base64(nonce||ciphertext).
type secretsFile struct {
	Version   int               `yaml:"version"`
	KeySource string            `yaml:"key_source,omitempty"`
	UpdatedAt time.Time         `yaml:"updated_at"`
	Secrets   map[string]string `yaml:"secrets"`
}

// Store reads and writes encrypted secrets. It is safe for concurrent use
// within one process.
type Store struct {
	mu            sync.Mutex
	dir           string
	encryptionKey []byte
	keyProvider   KeyProvider
	now           func() time.Time
}

// NewStore opens the store in the default directory with the default key provider.
func NewStore() (*Store, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return nil, fmt.Errorf("getting credentials directory: %w", err)
	}
	kp, err := GetDefaultKeyProvider(dir)
	if err != nil {
		return nil, fmt.Errorf("initializing key provider: %w", err)
	}
	return NewStoreAt(dir, kp)
}

// NewStoreAt opens the store in dir using kp for the encryption key.
func NewStoreAt(dir string, kp KeyProvider) (*Store, error) {
	key, err := kp.GetKey()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}
	return &Store{
		dir:           dir,
		encryptionKey: key,
		keyProvider:   kp,
		now:           time.Now,
	}, nil
}

// CredentialsDir returns the credentials directory path.
// Uses $MEETPIPE_CONFIG_DIR if set, otherwise ~/.meetpipe
func CredentialsDir() (string, error) {
	if dir := os.Getenv("MEETPIPE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultCredentialsDir), nil
}

// Path returns the secrets file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, SecretsFile)
}

// KeySource describes where the encryption key comes from.
func (s *Store) KeySource() string {
	return s.keyProvider.Description()
}

// ValidateName checks a secret name: lowercase letters, digits and underscores.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// Set encrypts and stores value under name, replacing any previous value.
func (s *Store) Set(name, value string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("secret %s: value is empty", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	enc, err := s.encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", name, err)
	}
	f.Secrets[name] = enc
	return s.write(f)
}

// Get decrypts the named secret. It returns ErrNoSecret when absent.
func (s *Store) Get(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return "", err
	}
	enc, ok := f.Secrets[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrNoSecret)
	}
	v, err := s.decrypt(enc)
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", name, err)
	}
	return v, nil
}

// Lookup is Get with a missing secret reported as "". It lets the store
// back configuration loading.
func (s *Store) Lookup(name string) (string, error) {
	v, err := s.Get(name)
	if errors.Is(err, ErrNoSecret) {
		return "", nil
	}
	return v, err
}

// Delete removes the named secret. Deleting a missing secret is not an error.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := f.Secrets[name]; !ok {
		return nil
	}
	delete(f.Secrets, name)
	return s.write(f)
}

// Names lists stored secret names in sorted order.
func (s *Store) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Secrets))
	for name := range f.Secrets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *Store) read() (*secretsFile, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return &secretsFile{Version: 1, Secrets: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var f secretsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if f.Secrets == nil {
		f.Secrets = map[string]string{}
	}
	return &f, nil
}

func (s *Store) write(f *secretsFile) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	f.Version = 1
	f.KeySource = s.keyProvider.Description()
	f.UpdatedAt = s.now().UTC()
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling secrets: %w", err)
	}

	// Write then rename so a crash never leaves a truncated file.
	tmp := s.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	if err := os.Rename(tmp, s.Path()); err != nil {
		return fmt.Errorf("replacing secrets file: %w", err)
	}
	return nil
}

// encrypt encrypts a string using AES-GCM.
func (s *Store) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts an AES-GCM encrypted string.
func (s *Store) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", ErrEncryptionFailed, err)
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrEncryptionFailed)
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed: %v", ErrEncryptionFailed, err)
	}

	return string(plaintext), nil
}

// MaskCredential returns a masked version of the credential for display.
func MaskCredential(cred string) string {
	if len(cred) <= 8 {
		return strings.Repeat("*", len(cred))
	}
	return cred[:4] + strings.Repeat("*", len(cred)-8) + cred[len(cred)-4:]
}
