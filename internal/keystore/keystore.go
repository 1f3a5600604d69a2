package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

// Keystore manages the HMAC keys that sign cashier QR payloads. One key per
// cash station, generated here, AES-GCM encrypted under the master key when
// written to disk, loaded back on boot.
type Keystore interface {
	GenerateStationKey(stationID string) error
	RotateStationKey(stationID string) error
	DeleteStationKey(stationID string) error
	Sign(stationID string, payload []byte) (string, error)
	Verify(stationID string, payload []byte, signature string) (bool, error)
}

type StationKey struct {
	StationID string    `json:"station_id"`
	Key       []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	RotatedAt time.Time `json:"rotated_at"`
}

type Store struct {
	keys      map[string]*StationKey
	masterKey []byte
	mu        sync.RWMutex
	storePath string
}

type Config struct {
	MasterKey string
	StorePath string
	Salt      []byte // Optional: if nil, will be generated
}

var stationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Init derives the master key with argon2id and loads persisted station keys.
func Init(config Config) (*Store, error) {
	if config.MasterKey == "" {
		return nil, errors.New("master key required")
	}

	salt := config.Salt
	if salt == nil {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	store := &Store{
		keys:      make(map[string]*StationKey),
		masterKey: argon2.IDKey([]byte(config.MasterKey), salt, 1, 64*1024, 4, 32),
		storePath: config.StorePath,
	}

	if err := store.loadKeys(); err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}

	return store, nil
}

// GenerateStationKey creates a fresh 256-bit key for a station.
func (s *Store) GenerateStationKey(stationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateStationID(stationID); err != nil {
		return err
	}

	if _, exists := s.keys[stationID]; exists {
		return fmt.Errorf("key for station %s already exists", stationID)
	}

	return s.storeNewKey(stationID)
}

// RotateStationKey replaces a station's key. Outstanding QR codes signed
// with the old key stop verifying, which is the intended effect of a
// rotation triggered by a suspected compromise.
func (s *Store) RotateStationKey(stationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[stationID]; !exists {
		return fmt.Errorf("key for station %s not found", stationID)
	}

	return s.storeNewKey(stationID)
}

func (s *Store) DeleteStationKey(stationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateStationID(stationID); err != nil {
		return err
	}

	if _, exists := s.keys[stationID]; !exists {
		return fmt.Errorf("key for station %s not found", stationID)
	}

	delete(s.keys, stationID)
	if s.storePath != "" {
		if err := os.Remove(s.keyPath(stationID)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of payload under the station's key.
func (s *Store) Sign(stationID string, payload []byte) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, exists := s.keys[stationID]
	if !exists {
		return "", fmt.Errorf("key for station %s not found", stationID)
	}

	h := hmac.New(sha256.New, key.Key)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the signature and compares constant-time.
func (s *Store) Verify(stationID string, payload []byte, signature string) (bool, error) {
	expected, err := s.Sign(stationID, payload)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1, nil
}

func (s *Store) storeNewKey(stationID string) error {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	now := time.Now()
	stationKey := &StationKey{
		StationID: stationID,
		Key:       key,
		CreatedAt: now,
		RotatedAt: now,
	}
	if existing, ok := s.keys[stationID]; ok {
		stationKey.CreatedAt = existing.CreatedAt
	}

	if err := s.saveKeyToDisk(stationKey); err != nil {
		return fmt.Errorf("failed to save key to disk: %w", err)
	}

	s.keys[stationID] = stationKey
	return nil
}

type keyFile struct {
	StationID    string    `json:"station_id"`
	EncryptedKey string    `json:"encrypted_key"`
	CreatedAt    time.Time `json:"created_at"`
	RotatedAt    time.Time `json:"rotated_at"`
}

func (s *Store) saveKeyToDisk(key *StationKey) error {
	if s.storePath == "" {
		return nil
	}

	if err := os.MkdirAll(s.storePath, 0o700); err != nil {
		return err
	}

	encrypted, err := s.encrypt(key.Key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(keyFile{
		StationID:    key.StationID,
		EncryptedKey: hex.EncodeToString(encrypted),
		CreatedAt:    key.CreatedAt,
		RotatedAt:    key.RotatedAt,
	})
	if err != nil {
		return err
	}

	return os.WriteFile(s.keyPath(key.StationID), data, 0o600)
}

func (s *Store) loadKeys() error {
	if s.storePath == "" {
		return nil
	}

	entries, err := os.ReadDir(s.storePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".key" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.storePath, entry.Name()))
		if err != nil {
			return err
		}

		var file keyFile
		if err := json.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("corrupt key file %s: %w", entry.Name(), err)
		}

		encrypted, err := hex.DecodeString(file.EncryptedKey)
		if err != nil {
			return fmt.Errorf("corrupt key file %s: %w", entry.Name(), err)
		}

		key, err := s.decrypt(encrypted)
		if err != nil {
			return fmt.Errorf("failed to decrypt key %s: %w", file.StationID, err)
		}

		s.keys[file.StationID] = &StationKey{
			StationID: file.StationID,
			Key:       key,
			CreatedAt: file.CreatedAt,
			RotatedAt: file.RotatedAt,
		}
	}

	return nil
}

func (s *Store) keyPath(stationID string) string {
	return filepath.Join(s.storePath, stationID+".key")
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}

func validateStationID(stationID string) error {
	if !stationIDPattern.MatchString(stationID) {
		return fmt.Errorf("invalid station ID %q", stationID)
	}
	return nil
}
