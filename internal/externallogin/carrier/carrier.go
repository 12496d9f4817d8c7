// Package carrier seals and opens the two encrypted values that carry flow
// state across the external-login redirects: the state parameter echoed by
// the provider and the host-only cookie set on the browser. The two are
// encrypted independently so losing either alone is insufficient to forge a
// callback.
package carrier

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/keylinehq/keyline/internal/config"
	"golang.org/x/crypto/hkdf"
)

// ErrInvalidCarrier is returned for any carrier that fails to open: absent,
// truncated, tampered, or encrypted under a different key. The caller cannot
// distinguish these cases, and must not.
var ErrInvalidCarrier = errors.New("invalid carrier")

const keySize = 32

// Distinct derivation labels keep the two carriers mutually undecryptable.
const (
	stateInfo  = "keyline/external-login/state"
	cookieInfo = "keyline/external-login/cookie"
)

// CookiePayload is the plaintext of the flow cookie.
type CookiePayload struct {
	FlowID          string `json:"fid"`
	ReturnPath      string `json:"rp,omitempty"`
	FingerprintHash string `json:"fp"`
	CodeVerifier    string `json:"cv,omitempty"`
}

// Codec encrypts and decrypts both carriers with AES-256-GCM under keys
// derived from the application secret.
type Codec struct {
	stateAEAD  cipher.AEAD
	cookieAEAD cipher.AEAD
}

func New(cfg config.Config) (*Codec, error) {
	secret := strings.TrimSpace(cfg.AuthSecret)
	if secret == "" {
		return nil, errors.New("AUTH_SECRET is required")
	}

	stateAEAD, err := deriveAEAD([]byte(secret), stateInfo)
	if err != nil {
		return nil, fmt.Errorf("derive state key: %w", err)
	}
	cookieAEAD, err := deriveAEAD([]byte(secret), cookieInfo)
	if err != nil {
		return nil, fmt.Errorf("derive cookie key: %w", err)
	}

	return &Codec{stateAEAD: stateAEAD, cookieAEAD: cookieAEAD}, nil
}

// SealState encrypts the flow id for the provider round trip.
func (c *Codec) SealState(flowID snowflake.ID) (string, error) {
	return seal(c.stateAEAD, []byte(flowID.String()))
}

// OpenState recovers the flow id from an echoed state parameter.
func (c *Codec) OpenState(raw string) (snowflake.ID, error) {
	plain, err := open(c.stateAEAD, raw)
	if err != nil {
		return 0, err
	}
	id, err := snowflake.ParseString(string(plain))
	if err != nil {
		return 0, ErrInvalidCarrier
	}
	return id, nil
}

// SealCookie encrypts the flow cookie payload.
func (c *Codec) SealCookie(payload CookiePayload) (string, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return seal(c.cookieAEAD, plain)
}

// OpenCookie decrypts a flow cookie.
func (c *Codec) OpenCookie(raw string) (CookiePayload, error) {
	plain, err := open(c.cookieAEAD, raw)
	if err != nil {
		return CookiePayload{}, err
	}
	var payload CookiePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return CookiePayload{}, ErrInvalidCarrier
	}
	if payload.FlowID == "" {
		return CookiePayload{}, ErrInvalidCarrier
	}
	return payload, nil
}

// Fingerprint binds a callback to the browser that started the flow.
func Fingerprint(userAgent, acceptLanguage string) string {
	sum := sha256.Sum256([]byte(userAgent + "\x00" + acceptLanguage))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func deriveAEAD(secret []byte, info string) (cipher.AEAD, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(aead cipher.AEAD, plain []byte) (string, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func open(aead cipher.AEAD, raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidCarrier
	}
	sealed, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(sealed) <= aead.NonceSize() {
		return nil, ErrInvalidCarrier
	}
	plain, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrInvalidCarrier
	}
	return plain, nil
}
