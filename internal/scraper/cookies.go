package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"signal-advisor/internal/security"
)

// Cookie is one browser cookie in a persisted session.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds, 0 for session cookies
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// CookieStore persists cookie jars by session key. Load returns (nil, nil)
// when nothing is stored for key.
type CookieStore interface {
	Load(ctx context.Context, key string) ([]Cookie, error)
	Save(ctx context.Context, key string, cookies []Cookie) error
	Delete(ctx context.Context, key string) error
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileCookieStore keeps one sealed file per key. Writes replace the file
// atomically; concurrent writers resolve to the last rename.
type FileCookieStore struct {
	dir    string
	secret string
}

// NewFileCookieStore creates a store under dir. Jars are sealed with secret.
func NewFileCookieStore(dir, secret string) (*FileCookieStore, error) {
	if secret == "" {
		return nil, fmt.Errorf("cookie store: %w", security.ErrEmptySecret)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating cookie directory: %w", err)
	}
	return &FileCookieStore{dir: dir, secret: secret}, nil
}

func (s *FileCookieStore) path(key string) string {
	return filepath.Join(s.dir, unsafeKeyChars.ReplaceAllString(key, "_")+".jar")
}

// Load reads and opens the jar for key.
func (s *FileCookieStore) Load(_ context.Context, key string) ([]Cookie, error) {
	sealed, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cookie jar: %w", err)
	}

	plain, err := security.Open(s.secret, sealed)
	if err != nil {
		return nil, fmt.Errorf("opening cookie jar: %w", err)
	}

	var cookies []Cookie
	if err := json.Unmarshal(plain, &cookies); err != nil {
		return nil, fmt.Errorf("decoding cookie jar: %w", err)
	}
	return cookies, nil
}

// Save seals cookies and replaces the jar for key.
func (s *FileCookieStore) Save(_ context.Context, key string, cookies []Cookie) error {
	plain, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("encoding cookie jar: %w", err)
	}

	sealed, err := security.Seal(s.secret, plain)
	if err != nil {
		return fmt.Errorf("sealing cookie jar: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".jar-*")
	if err != nil {
		return fmt.Errorf("creating temp jar: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp jar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp jar: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return fmt.Errorf("replacing cookie jar: %w", err)
	}
	return nil
}

// Delete removes the jar for key. A missing jar is not an error.
func (s *FileCookieStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting cookie jar: %w", err)
	}
	return nil
}

// MemoryCookieStore keeps jars in process memory.
type MemoryCookieStore struct {
	mu   sync.Mutex
	jars map[string][]Cookie
}

// NewMemoryCookieStore creates an empty store.
func NewMemoryCookieStore() *MemoryCookieStore {
	return &MemoryCookieStore{jars: make(map[string][]Cookie)}
}

func (s *MemoryCookieStore) Load(_ context.Context, key string) ([]Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jar, ok := s.jars[key]
	if !ok {
		return nil, nil
	}
	return append([]Cookie(nil), jar...), nil
}

func (s *MemoryCookieStore) Save(_ context.Context, key string, cookies []Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jars[key] = append([]Cookie(nil), cookies...)
	return nil
}

func (s *MemoryCookieStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jars, key)
	return nil
}
