// Copyright 2025 Tom Barlow
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

package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	MaxFailedAttempts = 5
	RateLimitWindow   = time.Minute
	RateLimitLockout  = 60 * time.Second
)

var (
	ErrRateLimited   = errors.New("transport: too many failed auth attempts, try later")
	ErrInvalidToken  = errors.New("transport: invalid or expired token")
	ErrTokenRevoked  = errors.New("transport: token has been revoked")
)

// Claims is carried in every bearer token this module issues. Subject
// identifies the CLI/workflow principal holding a short-lived bearer
// token for remote CLI/WorkflowService use.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// rateLimitEntry tracks failed attempts from one remote IP.
type rateLimitEntry struct {
	count       int
	firstFail   time.Time
	lockedUntil time.Time
}

// TokenValidator issues and verifies HS256 bearer tokens, hashing the
// signing secret at rest with bcrypt so a stolen config snapshot does
// not hand over the live key, and rate-limits repeated auth failures
// per source IP.
type TokenValidator struct {
	secret     []byte
	secretHash []byte

	mu             sync.Mutex
	failedAttempts map[string]*rateLimitEntry

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewTokenValidator derives a validator from a raw signing secret
// (internal/secrets resolves this from the OS keyring). The secret's
// bcrypt digest is kept only for constant-effort audit comparisons;
// JWTs are verified by signature, not by re-hashing on every request.
func NewTokenValidator(secret []byte) (*TokenValidator, error) {
	hash, err := bcrypt.GenerateFromPassword(secret, bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash signing secret: %w", err)
	}
	v := &TokenValidator{
		secret:         secret,
		secretHash:     hash,
		failedAttempts: make(map[string]*rateLimitEntry),
		cleanupTicker:  time.NewTicker(time.Minute),
		stopCleanup:    make(chan struct{}),
	}
	go v.cleanupLoop()
	return v, nil
}

// VerifySecret checks a candidate signing secret against the stored
// bcrypt digest, for operator-facing "rotate token" confirmation flows.
func (v *TokenValidator) VerifySecret(candidate []byte) bool {
	return bcrypt.CompareHashAndPassword(v.secretHash, candidate) == nil
}

// IssueToken mints a short-lived bearer token for subject, scoped to
// one service surface.
func (v *TokenValidator) IssueToken(subject, scope string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
		Scope: scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Validate verifies a bearer token's signature and expiry, applying
// per-IP lockout after repeated failures.
func (v *TokenValidator) Validate(tokenString, remoteAddr string) (*Claims, error) {
	ip := ipFromRemoteAddr(remoteAddr)

	v.mu.Lock()
	if entry, ok := v.failedAttempts[ip]; ok {
		if time.Now().Before(entry.lockedUntil) {
			v.mu.Unlock()
			return nil, ErrRateLimited
		}
	}
	v.mu.Unlock()

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		v.recordFailedAttempt(ip)
		return nil, ErrInvalidToken
	}

	v.clearFailedAttempts(ip)
	return claims, nil
}

func (v *TokenValidator) recordFailedAttempt(ip string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	entry, ok := v.failedAttempts[ip]
	if !ok || now.Sub(entry.firstFail) > RateLimitWindow {
		entry = &rateLimitEntry{firstFail: now}
		v.failedAttempts[ip] = entry
	}
	entry.count++
	if entry.count >= MaxFailedAttempts {
		entry.lockedUntil = now.Add(RateLimitLockout)
	}
}

func (v *TokenValidator) clearFailedAttempts(ip string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.failedAttempts, ip)
}

func (v *TokenValidator) cleanupLoop() {
	for {
		select {
		case <-v.cleanupTicker.C:
			v.mu.Lock()
			now := time.Now()
			for ip, entry := range v.failedAttempts {
				if now.Sub(entry.firstFail) > RateLimitWindow && now.After(entry.lockedUntil) {
					delete(v.failedAttempts, ip)
				}
			}
			v.mu.Unlock()
		case <-v.stopCleanup:
			return
		}
	}
}

// Close stops the validator's background cleanup goroutine.
func (v *TokenValidator) Close() error {
	v.closeOnce.Do(func() {
		v.cleanupTicker.Stop()
		close(v.stopCleanup)
	})
	return nil
}

func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
