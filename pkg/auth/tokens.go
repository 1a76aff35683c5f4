// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Token is a named API token entry.
type Token struct {
	Name      string        `json:"name"`
	Hash      string        `json:"-"`
	Algorithm HashAlgorithm `json:"algorithm"`
	Salt      string        `json:"-"`
	Enabled   bool          `json:"enabled"`
}

// TokenAuthenticator checks bearer tokens against an in-memory set.
type TokenAuthenticator struct {
	tokens  map[string]*Token
	enabled bool
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewTokenAuthenticator creates a new, empty token authenticator.
func NewTokenAuthenticator(logger *slog.Logger) *TokenAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenAuthenticator{
		tokens:  make(map[string]*Token),
		enabled: true,
		logger:  logger.With("component", "auth"),
	}
}

// Name returns the name of this authenticator
func (ta *TokenAuthenticator) Name() string {
	return "token"
}

// Enabled returns whether this authenticator is enabled
func (ta *TokenAuthenticator) Enabled() bool {
	ta.mu.RLock()
	defer ta.mu.RUnlock()
	return ta.enabled
}

// SetEnabled enables or disables this authenticator
func (ta *TokenAuthenticator) SetEnabled(enabled bool) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.enabled = enabled
}

// AddToken hashes token with algorithm and stores it under name.
func (ta *TokenAuthenticator) AddToken(name, token string, algorithm HashAlgorithm) error {
	if name == "" {
		return fmt.Errorf("token name cannot be empty")
	}
	if token == "" {
		return fmt.Errorf("token %s cannot be empty", name)
	}

	salt := ""
	if algorithm == HashSHA256 {
		salt = name
	}
	hash, err := hashToken(token, salt, algorithm)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}
	ta.store(&Token{Name: name, Hash: hash, Algorithm: algorithm, Salt: salt, Enabled: true})
	return nil
}

// AddHashedToken stores an already hashed token, as read from configuration.
// SHA256 hashes are unsalted.
func (ta *TokenAuthenticator) AddHashedToken(name, hash string, algorithm HashAlgorithm) error {
	if name == "" {
		return fmt.Errorf("token name cannot be empty")
	}
	if hash == "" {
		return fmt.Errorf("token %s cannot be empty", name)
	}
	if _, err := ParseHashAlgorithm(string(algorithm)); err != nil {
		return err
	}
	ta.store(&Token{Name: name, Hash: hash, Algorithm: algorithm, Enabled: true})
	return nil
}

func (ta *TokenAuthenticator) store(t *Token) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.tokens[t.Name] = t
	ta.logger.Info("Added API token", "name", t.Name, "algorithm", t.Algorithm)
}

// RemoveToken removes a token.
func (ta *TokenAuthenticator) RemoveToken(name string) error {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	if _, exists := ta.tokens[name]; !exists {
		return fmt.Errorf("token not found: %s", name)
	}
	delete(ta.tokens, name)
	return nil
}

// SetTokenEnabled enables or disables a specific token.
func (ta *TokenAuthenticator) SetTokenEnabled(name string, enabled bool) error {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	t, exists := ta.tokens[name]
	if !exists {
		return fmt.Errorf("token not found: %s", name)
	}
	t.Enabled = enabled
	return nil
}

// ListTokens returns the token names in lexical order.
func (ta *TokenAuthenticator) ListTokens() []string {
	ta.mu.RLock()
	defer ta.mu.RUnlock()
	names := make([]string, 0, len(ta.tokens))
	for name := range ta.tokens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of tokens
func (ta *TokenAuthenticator) Count() int {
	ta.mu.RLock()
	defer ta.mu.RUnlock()
	return len(ta.tokens)
}

// Authenticate verifies a bearer token. An empty token is ignored so that a
// later authenticator in the chain can decide.
func (ta *TokenAuthenticator) Authenticate(token string) AuthResult {
	ta.mu.RLock()
	defer ta.mu.RUnlock()

	if !ta.enabled || token == "" {
		return AuthIgnore
	}
	for _, t := range ta.tokens {
		if !verifyToken(token, t.Hash, t.Salt, t.Algorithm) {
			continue
		}
		if !t.Enabled {
			ta.logger.Warn("Token is disabled", "name", t.Name)
			return AuthFailure
		}
		return AuthSuccess
	}
	return AuthFailure
}

// ParseTokenList parses a comma separated token list such as
// "s3cret,sha256:9f86d0...,bcrypt:$2a$10$...". Entries without a known
// algorithm prefix are plain tokens. Entries are named token-1, token-2, ...
func ParseTokenList(s string) ([]Token, error) {
	var tokens []Token
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		algorithm, hash := HashPlain, raw
		if prefix, rest, ok := strings.Cut(raw, ":"); ok {
			if a, err := ParseHashAlgorithm(prefix); err == nil && prefix != "" {
				algorithm, hash = a, rest
			}
		}
		if hash == "" {
			return nil, fmt.Errorf("empty %s token in list", algorithm)
		}
		tokens = append(tokens, Token{
			Name:      fmt.Sprintf("token-%d", len(tokens)+1),
			Hash:      hash,
			Algorithm: algorithm,
			Enabled:   true,
		})
	}
	return tokens, nil
}
