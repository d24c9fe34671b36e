// Package otp implements a time-based one-time password handler (RFC 6238)
// over per-user secrets taken from configuration.
package otp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"hash"
	"strings"
	"sync"
	"time"

	"github.com/casidp/authn/internal/services/authn"
)

// Options mirror the totp handler options.
type Options struct {
	// Secrets maps user id to a base32 shared secret.
	Secrets   map[string]string `mapstructure:"secrets"`
	Digits    int               `mapstructure:"digits"`
	Period    time.Duration     `mapstructure:"period"`
	Skew      int               `mapstructure:"skew"`
	Algorithm string            `mapstructure:"algorithm"`
}

// Handler verifies OneTimePasswordCredential codes. A code is accepted once
// per user; codes of earlier or equal time steps are rejected afterwards.
type Handler struct {
	name    string
	state   authn.HandlerState
	secrets map[string][]byte
	digits  int
	period  time.Duration
	skew    int
	newHash func() hash.Hash
	now     func() time.Time

	mu       sync.Mutex
	lastStep map[string]int64
}

// New creates a handler. Zero options default to 6 digits, a 30s period,
// one step of skew and SHA1.
func New(name string, state authn.HandlerState, opts Options) (*Handler, error) {
	if len(opts.Secrets) == 0 {
		return nil, fmt.Errorf("totp handler %s: no secrets configured", name)
	}
	if state == "" {
		state = authn.HandlerStateActive
	}

	h := &Handler{
		name:     name,
		state:    state,
		secrets:  make(map[string][]byte, len(opts.Secrets)),
		digits:   opts.Digits,
		period:   opts.Period,
		skew:     opts.Skew,
		now:      time.Now,
		lastStep: map[string]int64{},
	}
	if h.digits == 0 {
		h.digits = 6
	}
	if h.period == 0 {
		h.period = 30 * time.Second
	}
	if h.period < time.Second {
		return nil, fmt.Errorf("totp handler %s: period must be at least 1s", name)
	}
	if h.skew == 0 {
		h.skew = 1
	}

	switch strings.ToUpper(opts.Algorithm) {
	case "", "SHA1":
		h.newHash = sha1.New
	case "SHA256":
		h.newHash = sha256.New
	case "SHA512":
		h.newHash = sha512.New
	default:
		return nil, fmt.Errorf("totp handler %s: unsupported algorithm %q", name, opts.Algorithm)
	}

	for user, s := range opts.Secrets {
		key, err := decodeSecret(s)
		if err != nil {
			return nil, fmt.Errorf("totp handler %s: secret of %s: %w", name, user, err)
		}
		h.secrets[user] = key
	}
	return h, nil
}

func decodeSecret(s string) ([]byte, error) {
	s = strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(s, "="))
}

func (h *Handler) Name() string              { return h.name }
func (h *Handler) State() authn.HandlerState { return h.state }

func (h *Handler) Supports(c authn.Credential) bool {
	_, ok := c.(*authn.OneTimePasswordCredential)
	return ok
}

func (h *Handler) Authenticate(_ context.Context, c authn.Credential, _ *authn.Service) (*authn.HandlerResult, error) {
	otp, ok := c.(*authn.OneTimePasswordCredential)
	if !ok {
		return nil, fmt.Errorf("unsupported credential %s: %w", c.Type(), authn.ErrPrevented)
	}

	key, found := h.secrets[otp.UserID]
	if !found {
		return nil, fmt.Errorf("user %s: %w", otp.UserID, authn.ErrAccountNotFound)
	}

	step, ok := h.match(key, otp.Code)
	if !ok {
		return nil, fmt.Errorf("user %s: code mismatch: %w", otp.UserID, authn.ErrFailedLogin)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if last, seen := h.lastStep[otp.UserID]; seen && step <= last {
		return nil, fmt.Errorf("user %s: code already used: %w", otp.UserID, authn.ErrFailedLogin)
	}
	h.lastStep[otp.UserID] = step

	return authn.NewHandlerResult(h, authn.NewPrincipal(otp.UserID, nil)), nil
}

// match returns the time step whose code equals code, within the skew.
func (h *Handler) match(key []byte, code string) (int64, bool) {
	if len(code) != h.digits {
		return 0, false
	}
	current := h.now().Unix() / int64(h.period/time.Second)
	for i := -h.skew; i <= h.skew; i++ {
		step := current + int64(i)
		if step < 0 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(Code(h.newHash, key, step, h.digits)), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}

// Code computes the HOTP value (RFC 4226) of key for counter.
func Code(newHash func() hash.Hash, key []byte, counter int64, digits int) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(newHash, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, value%mod)
}
