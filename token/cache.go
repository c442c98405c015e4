package token

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/ddkit/ddk/internal/errs"
	"github.com/ddkit/ddk/model"
)

var tokenBucket = []byte("tokens")

// Cache is the single-file-per-user, encrypted, atomically-rewritten token
// cache. bbolt gives the atomic single-file rewrite for free (every
// transaction commit is a single fsynced write); secretbox seals each
// record with a per-user key before it is stored.
type Cache struct {
	db  *bbolt.DB
	key [32]byte
}

// OpenCache opens (creating if needed) the bbolt-backed cache at path,
// deriving the sealing key from keyPath (created 0600 on first use).
func OpenCache(path, keyPath string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errs.Wrap(err, "mkdir token cache dir")
	}
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errs.Wrap(err, "open token cache")
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokenBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errs.Wrap(err, "create token bucket")
	}

	return &Cache{db: db, key: key}, nil
}

func loadOrCreateKey(keyPath string) ([32]byte, error) {
	var key [32]byte
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return key, errs.Wrap(err, "mkdir key dir")
	}
	raw, err := os.ReadFile(keyPath)
	if err == nil && len(raw) == 32 {
		copy(key[:], raw)
		return key, nil
	}

	if _, genErr := readRandom(key[:]); genErr != nil {
		return key, errs.Wrap(genErr, "generate secretbox key")
	}
	if err := os.WriteFile(keyPath, key[:], 0o600); err != nil {
		return key, errs.Wrap(err, "persist secretbox key")
	}
	return key, nil
}

// Get returns the decrypted record for connectionID.
func (c *Cache) Get(connectionID string) (*model.AccessTokenRecord, error) {
	var rec model.AccessTokenRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tokenBucket)
		raw := b.Get([]byte(connectionID))
		if raw == nil {
			return errs.Newf("no cached token for %s", connectionID)
		}
		plain, err := c.open(raw)
		if err != nil {
			return errs.Wrap(err, "decrypt token record")
		}
		return json.Unmarshal(plain, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put seals and persists rec, overwriting any existing record for the same
// connection in a single bbolt transaction (atomic rewrite).
func (c *Cache) Put(connectionID string, rec *model.AccessTokenRecord) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(err, "marshal token record")
	}
	sealed, err := c.seal(plain)
	if err != nil {
		return errs.Wrap(err, "encrypt token record")
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tokenBucket)
		return b.Put([]byte(connectionID), sealed)
	})
}

// Delete removes the cached record for connectionID.
func (c *Cache) Delete(connectionID string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tokenBucket)
		return b.Delete([]byte(connectionID))
	})
}

// Close closes the underlying bbolt database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) seal(plain []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := readRandom(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &c.key), nil
}

func (c *Cache) open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, errs.New("sealed record too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &c.key)
	if !ok {
		return nil, errs.New("secretbox authentication failed")
	}
	return plain, nil
}
