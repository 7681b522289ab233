package operator

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"pii-anonymizer/internal/entity"
)

// ErrDecrypt is returned when a token cannot be authenticated or decoded.
var ErrDecrypt = errors.New("decrypt failed")

// Supported hash algorithms.
const (
	SHA256  = "sha256"
	SHA512  = "sha512"
	BLAKE2b = "blake2b"
)

type hasher struct {
	newHash func() hash.Hash
	length  int
}

func newHasher(cfg Config) (Operator, error) {
	var fn func() hash.Hash
	switch strings.ToLower(cfg.HashAlgorithm) {
	case "", SHA256:
		fn = sha256.New
	case SHA512:
		fn = sha512.New
	case BLAKE2b:
		fn = func() hash.Hash {
			h, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes
			return h
		}
	default:
		return nil, fmt.Errorf("%w: unsupported hash algorithm %q", ErrConfig, cfg.HashAlgorithm)
	}
	if cfg.HashLength < 0 {
		return nil, fmt.Errorf("%w: hashLength must be >= 0, got %d", ErrConfig, cfg.HashLength)
	}
	return hasher{newHash: fn, length: cfg.HashLength}, nil
}

func (hasher) Type() Type { return Hash }

func (h hasher) Operate(_ entity.Type, text string) (string, error) {
	d := h.newHash()
	d.Write([]byte(text)) //nolint:errcheck // hash.Hash.Write never returns an error
	sum := hex.EncodeToString(d.Sum(nil))
	if h.length > 0 && h.length < len(sum) {
		sum = sum[:h.length]
	}
	return sum, nil
}

// Key derivation labels. Changing either invalidates every issued token.
const (
	hkdfSalt      = "pii-anonymizer/encrypt/v1"
	infoCipherKey = "cipher-key"
	infoNonceKey  = "nonce-key"
)

type encrypter struct {
	keys derivedKeys
}

type derivedKeys struct {
	cipher [chacha20poly1305.KeySize]byte
	nonce  [32]byte
}

func deriveKeys(secret string) (derivedKeys, error) {
	var k derivedKeys
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(infoCipherKey)), k.cipher[:]); err != nil {
		return k, fmt.Errorf("derive cipher key: %w", err)
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(infoNonceKey)), k.nonce[:]); err != nil {
		return k, fmt.Errorf("derive nonce key: %w", err)
	}
	return k, nil
}

func newEncrypter(cfg Config) (Operator, error) {
	if cfg.Key == "" {
		return nil, ErrMissingKey
	}
	keys, err := deriveKeys(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return encrypter{keys: keys}, nil
}

func (encrypter) Type() Type { return Encrypt }

// Operate seals text with XChaCha20-Poly1305. The nonce is an HMAC of the
// plaintext under a separate derived key, so equal inputs under one key give
// equal tokens.
func (e encrypter) Operate(_ entity.Type, text string) (string, error) {
	aead, err := chacha20poly1305.NewX(e.keys.cipher[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	mac := hmac.New(sha256.New, e.keys.nonce[:])
	mac.Write([]byte(text)) //nolint:errcheck // hash.Hash.Write never returns an error
	nonce := mac.Sum(nil)[:chacha20poly1305.NonceSizeX]

	out := make([]byte, 0, len(nonce)+len(text)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(text), nil)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt reverses a token produced by the encrypt operator under key.
func Decrypt(key, token string) (string, error) {
	if key == "" {
		return "", ErrMissingKey
	}
	keys, err := deriveKeys(key)
	if err != nil {
		return "", err
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	aead, err := chacha20poly1305.NewX(keys.cipher[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return "", fmt.Errorf("%w: token too short", ErrDecrypt)
	}
	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}
