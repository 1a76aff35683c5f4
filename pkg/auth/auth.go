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

// Package auth provides bearer-token authentication for the gateway's HTTP
// API. Tokens are stored as plain text, SHA256 or bcrypt hashes and checked
// through a chain of authenticators.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashAlgorithm defines the token hashing algorithm type
type HashAlgorithm string

const (
	// HashPlain represents plain text tokens (not recommended for production)
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 represents SHA256 hashed tokens
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt represents bcrypt hashed tokens (recommended)
	HashBcrypt HashAlgorithm = "bcrypt"
)

// ParseHashAlgorithm validates an algorithm name. The empty string selects
// HashPlain.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	switch a := HashAlgorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return HashPlain, nil
	case HashPlain, HashSHA256, HashBcrypt:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", s)
	}
}

// AuthResult represents the result of an authentication attempt
type AuthResult int

const (
	// AuthSuccess indicates successful authentication
	AuthSuccess AuthResult = iota
	// AuthFailure indicates authentication failed due to invalid credentials
	AuthFailure
	// AuthError indicates an error occurred during authentication
	AuthError
	// AuthIgnore indicates the authenticator should be skipped
	AuthIgnore
)

// String returns the string representation of AuthResult
func (ar AuthResult) String() string {
	switch ar {
	case AuthSuccess:
		return "success"
	case AuthFailure:
		return "failure"
	case AuthError:
		return "error"
	case AuthIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Authenticator defines the interface for authentication providers
type Authenticator interface {
	// Authenticate verifies a bearer token
	Authenticate(token string) AuthResult
	// Name returns the name of the authenticator
	Name() string
	// Enabled returns whether the authenticator is enabled
	Enabled() bool
}

// AuthChain runs a request through a list of authenticators:
//   - the first AuthSuccess or AuthFailure decides
//   - AuthError and AuthIgnore move on to the next authenticator
//   - if nobody decides, the request is denied
//
// An empty chain allows everything, so the API is open when no tokens are
// configured.
type AuthChain struct {
	authenticators []Authenticator
	enabled        bool
	logger         *slog.Logger
}

// NewAuthChain creates a new authentication chain
func NewAuthChain(logger *slog.Logger) *AuthChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthChain{
		authenticators: make([]Authenticator, 0),
		enabled:        true,
		logger:         logger.With("component", "auth"),
	}
}

// AddAuthenticator adds an authenticator to the chain
func (ac *AuthChain) AddAuthenticator(auth Authenticator) {
	ac.authenticators = append(ac.authenticators, auth)
}

// Authenticate processes a token through the chain.
func (ac *AuthChain) Authenticate(token string) AuthResult {
	if !ac.enabled {
		return AuthIgnore
	}
	if len(ac.authenticators) == 0 {
		return AuthSuccess
	}

	for _, auth := range ac.authenticators {
		if !auth.Enabled() {
			continue
		}

		result := auth.Authenticate(token)
		ac.logger.Debug("Authenticator returned", "authenticator", auth.Name(), "result", result.String())

		switch result {
		case AuthSuccess:
			return AuthSuccess
		case AuthFailure:
			ac.logger.Warn("Authentication failed", "authenticator", auth.Name())
			return AuthFailure
		case AuthError:
			ac.logger.Error("Authentication error", "authenticator", auth.Name())
		}
	}

	ac.logger.Warn("No authenticator accepted the token, denying access")
	return AuthFailure
}

// SetEnabled enables or disables the authentication chain
func (ac *AuthChain) SetEnabled(enabled bool) {
	ac.enabled = enabled
}

// IsEnabled returns whether the authentication chain is enabled
func (ac *AuthChain) IsEnabled() bool {
	return ac.enabled
}

// Count returns the number of authenticators in the chain
func (ac *AuthChain) Count() int {
	return len(ac.authenticators)
}

// hashToken creates a hash of the token using the specified algorithm
func hashToken(token, salt string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return token, nil
	case HashSHA256:
		sum := sha256.Sum256([]byte(salt + token))
		return fmt.Sprintf("%x", sum), nil
	case HashBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// verifyToken verifies a token against a hash using the specified algorithm
func verifyToken(token, hash, salt string, algorithm HashAlgorithm) bool {
	switch algorithm {
	case HashPlain:
		return subtle.ConstantTimeCompare([]byte(token), []byte(hash)) == 1
	case HashSHA256:
		expected, err := hashToken(token, salt, HashSHA256)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(hash))) == 1
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
	default:
		return false
	}
}
