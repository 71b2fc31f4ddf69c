// Package session persists authenticated sessions in a bbolt database with a
// small in-memory LRU in front of it.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/turpault/proxy/internal/logging"
)

const cacheSize = 100

var (
	bucketSessions = []byte("sessions")
	bucketByUser   = []byte("sessions_by_user")
)

// Session is one authenticated browser session, scoped to a routing domain.
type Session struct {
	ID           string    `json:"id"`
	Domain       string    `json:"domain"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName,omitempty"`
	Email        string    `json:"email,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Store is the persistent session store. Reads slide the expiry forward;
// expired sessions are deleted on access.
type Store struct {
	db    *bbolt.DB
	cache *lru.Cache[string, *Session]
}

// Open opens (or creates) the session database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketByUser} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing session buckets: %w", err)
	}

	cache, err := lru.New[string, *Session](cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, cache: cache}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewID returns a fresh 256-bit session identifier in hex.
func NewID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// sessionKey scopes session ids by domain so the same browser cookie cannot
// cross routing domains.
func sessionKey(domain, id string) []byte {
	return []byte(domain + "\x00" + id)
}

func userKey(domain, userID, id string) []byte {
	return []byte(domain + "\x00" + userID + "\x00" + id)
}

// Create persists a new session with the given sliding timeout.
func (s *Store) Create(domain, userID, userName, email, provider string, timeout time.Duration) (*Session, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:           id,
		Domain:       domain,
		UserID:       userID,
		UserName:     userName,
		Email:        email,
		Provider:     provider,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(timeout),
	}

	if err := s.put(sess); err != nil {
		return nil, err
	}
	s.cache.Add(string(sessionKey(domain, id)), sess)
	return sess, nil
}

// Get returns the session if it exists and has not expired. A hit slides
// expiresAt forward by timeout and updates lastActivity; an expired session
// is deleted and reported as a miss.
func (s *Store) Get(domain, id string, timeout time.Duration) (*Session, bool) {
	key := string(sessionKey(domain, id))
	now := time.Now()

	sess, ok := s.cache.Get(key)
	if !ok {
		sess = s.read(domain, id)
		if sess == nil {
			return nil, false
		}
	}

	if now.After(sess.ExpiresAt) {
		s.Delete(domain, id)
		return nil, false
	}

	// The cached pointer is shared across goroutines; slide the expiry on a
	// copy and replace the cache entry instead of mutating in place.
	touched := *sess
	touched.LastActivity = now
	touched.ExpiresAt = now.Add(timeout)
	if err := s.put(&touched); err != nil {
		logging.Warn("session touch failed", zap.String("id", id), zap.Error(err))
	}
	s.cache.Add(key, &touched)
	return &touched, true
}

// Delete removes a session from the store and both indexes.
func (s *Store) Delete(domain, id string) {
	s.cache.Remove(string(sessionKey(domain, id)))

	err := s.db.Update(func(tx *bbolt.Tx) error {
		key := sessionKey(domain, id)
		data := tx.Bucket(bucketSessions).Get(key)
		if data != nil {
			var sess Session
			if json.Unmarshal(data, &sess) == nil {
				tx.Bucket(bucketByUser).Delete(userKey(domain, sess.UserID, id))
			}
		}
		return tx.Bucket(bucketSessions).Delete(key)
	})
	if err != nil {
		logging.Warn("session delete failed", zap.String("id", id), zap.Error(err))
	}
}

// DeleteUser removes every session belonging to userID on the given domain.
func (s *Store) DeleteUser(domain, userID string) {
	prefix := []byte(domain + "\x00" + userID + "\x00")

	err := s.db.Update(func(tx *bbolt.Tx) error {
		byUser := tx.Bucket(bucketByUser)
		sessions := tx.Bucket(bucketSessions)

		c := byUser.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			id := string(k[len(prefix):])
			s.cache.Remove(string(sessionKey(domain, id)))
			if err := sessions.Delete(sessionKey(domain, id)); err != nil {
				return err
			}
			if err := byUser.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logging.Warn("session purge failed", zap.String("user", userID), zap.Error(err))
	}
}

// Sweep deletes expired sessions. Called periodically by the server.
func (s *Store) Sweep() int {
	now := time.Now()
	removed := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		byUser := tx.Bucket(bucketByUser)

		c := sessions.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess Session
			if json.Unmarshal(v, &sess) != nil || now.After(sess.ExpiresAt) {
				s.cache.Remove(string(k))
				if sess.UserID != "" {
					byUser.Delete(userKey(sess.Domain, sess.UserID, sess.ID))
				}
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		logging.Warn("session sweep failed", zap.Error(err))
	}
	return removed
}

func (s *Store) put(sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSessions).Put(sessionKey(sess.Domain, sess.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketByUser).Put(userKey(sess.Domain, sess.UserID, sess.ID), nil)
	})
}

func (s *Store) read(domain, id string) *Session {
	var sess *Session
	s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get(sessionKey(domain, id))
		if data == nil {
			return nil
		}
		var decoded Session
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil
		}
		sess = &decoded
		return nil
	})
	return sess
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}
