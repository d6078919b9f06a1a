package identity

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"unicode"

	"github.com/pkg/errors"

	"github.com/outofforest/gdtp/wire"
)

// ErrInvalidName is returned when name can't be registered.
var ErrInvalidName = errors.New("invalid name")

// Registry keeps users and their tokens in memory.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]string
	users  map[string]string
}

// New creates registry.
func New() *Registry {
	return &Registry{
		tokens: map[string]string{},
		users:  map[string]string{},
	}
}

// Validate returns the user owning the token.
func (r *Registry) Validate(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, exists := r.users[token]
	return name, exists
}

// Exists reports whether user is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.tokens[name]
	return exists
}

// IssueToken returns the token of the user, registering the user first if needed.
func (r *Registry) IssueToken(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if token, exists := r.tokens[name]; exists {
		return token, nil
	}

	for {
		token, err := newToken()
		if err != nil {
			return "", err
		}
		if _, exists := r.users[token]; exists {
			continue
		}
		r.tokens[name] = token
		r.users[token] = name
		return token, nil
	}
}

func validateName(name string) error {
	if name == "" || name == wire.Terminator || strings.HasPrefix(name, wire.TokenPrefix) {
		return errors.Wrapf(ErrInvalidName, "name %q", name)
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return errors.Wrapf(ErrInvalidName, "name %q contains whitespace", name)
	}
	return nil
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", errors.WithStack(err)
	}
	return hex.EncodeToString(b[:]), nil
}
