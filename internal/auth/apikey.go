// ABOUTME: API-key verification against bcrypt hashes from the configuration
// ABOUTME: Keys arrive in the X-API-Key header and resolve to the configured key name

package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidAPIKey indicates the presented key matched no configured hash.
var ErrInvalidAPIKey = errors.New("invalid api key")

// HeaderAPIKey carries API keys on inbound requests.
const HeaderAPIKey = "X-API-Key"

// APIKey is a named bcrypt hash of an accepted key.
type APIKey struct {
	Name string
	Hash string
}

// APIKeyVerifier checks presented keys against a fixed set of hashes.
type APIKeyVerifier struct {
	keys []APIKey
}

// NewAPIKeyVerifier validates every hash up front.
func NewAPIKeyVerifier(keys []APIKey) (*APIKeyVerifier, error) {
	for _, k := range keys {
		if k.Name == "" {
			return nil, errors.New("api key entry without a name")
		}
		if _, err := bcrypt.Cost([]byte(k.Hash)); err != nil {
			return nil, fmt.Errorf("api key %q: %w", k.Name, err)
		}
	}
	return &APIKeyVerifier{keys: append([]APIKey(nil), keys...)}, nil
}

// Verify returns the name of the key matching presented.
func (v *APIKeyVerifier) Verify(presented string) (string, error) {
	if presented == "" {
		return "", ErrInvalidAPIKey
	}
	for _, k := range v.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(presented)) == nil {
			return k.Name, nil
		}
	}
	return "", ErrInvalidAPIKey
}

// Len returns the number of configured keys.
func (v *APIKeyVerifier) Len() int { return len(v.keys) }

// HashAPIKey produces the hash stored in the configuration for key.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
