// Package mac implements the deterministic keyed-MAC primitive used to
// authenticate challenge/response payloads.
//
// The process secret is loaded once at init (see LoadSecret) and never
// used directly: a purpose-scoped subkey is derived from it with HKDF
// so that a single provisioned secret can serve more than one purpose
// (challenge authentication today, possibly others later) without key
// reuse across purposes.
package mac

import (
	"bytes"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sort"

	"golang.org/x/crypto/ssh"

	"attendcheckd/internal/security"
)

// ErrShortSecret is returned when the configured secret is weaker than
// the minimum key size security.MinKeySize requires.
var ErrShortSecret = errors.New("mac: secret is shorter than the minimum key size")

// purposeChallengeMAC domain-separates the HKDF subkey used to sign
// challenge/response payloads from any other purpose a provisioned
// secret might later be asked to serve.
const purposeChallengeMAC = "challenge-mac"

// Signer computes and verifies HMAC-SHA256 signatures over canonical
// JSON payload encodings. Signer is safe for concurrent use; it holds
// no mutable state beyond the derived subkey, which is kept in
// mlock'd, zero-on-close memory (security.SecureBytes) rather than a
// bare slice.
type Signer struct {
	subkey *security.SecureBytes
}

// NewSigner derives a challenge-MAC subkey from the process secret and
// returns a ready-to-use Signer. secret is validated against both the
// minimum key size and obviously-weak patterns (all-zero, repeating
// byte) before derivation; the caller retains ownership of secret and
// should wipe it once every Signer (and any other consumer) has been
// constructed.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < security.MinKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrShortSecret, len(secret), security.MinKeySize)
	}
	if err := security.ValidateKeyStrength(secret); err != nil {
		return nil, fmt.Errorf("mac: weak secret: %w", err)
	}
	derived, err := security.DeriveKeyWithLabel(secret, purposeChallengeMAC, security.RecommendedKeySize)
	if err != nil {
		return nil, fmt.Errorf("mac: derive subkey: %w", err)
	}
	subkey, err := security.FromBytes(derived) // zeroes derived in place
	if err != nil {
		return nil, fmt.Errorf("mac: guard subkey: %w", err)
	}
	return &Signer{subkey: subkey}, nil
}

// Close wipes and unlocks the derived subkey. Call it when the Signer
// is no longer needed (normally at process teardown, alongside the
// root secret).
func (s *Signer) Close() {
	s.subkey.Destroy()
}

// digest canonicalises payload (see Canonicalize) and returns the raw
// HMAC-SHA256 digest bytes under the Signer's subkey.
func (s *Signer) digest(payload any) ([]byte, error) {
	canon, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, s.subkey.Bytes())
	h.Write(canon)
	return h.Sum(nil), nil
}

// Sign canonicalises payload and returns the URL-safe base64 encoding
// of its HMAC-SHA256 digest under the Signer's subkey. This form is
// not used on the wire; the wire SignedResponse format uses SignHex
// instead.
func (s *Signer) Sign(payload any) (string, error) {
	d, err := s.digest(payload)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(d), nil
}

// Verify recomputes the MAC over payload and compares it against the
// base64 signature produced by Sign, in constant time.
func (s *Signer) Verify(payload any, signature string) (bool, error) {
	want, err := s.Sign(payload)
	if err != nil {
		return false, err
	}
	return security.SecureCompare([]byte(want), []byte(signature)), nil
}

// SignHex is Sign's hex-encoded counterpart, matching the wire
// SignedResponse format's "hex MAC over canonical JSON of payload".
func (s *Signer) SignHex(payload any) (string, error) {
	d, err := s.digest(payload)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(d), nil
}

// VerifyHex recomputes the MAC over payload and compares it against
// the hex signature produced by SignHex, in constant time.
func (s *Signer) VerifyHex(payload any, signature string) (bool, error) {
	want, err := s.SignHex(payload)
	if err != nil {
		return false, err
	}
	return security.SecureCompare([]byte(want), []byte(signature)), nil
}

// LoadSecret reads the process secret from path: a raw byte blob, or
// (recognised by its PEM header) an OpenSSH-format key whose raw
// private key bytes are extracted and used as the secret directly.
// The latter lets operators provision the same key file tooling
// (ssh-keygen) they already use for internal/signer's record-signing
// key.
func LoadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mac: read secret: %w", err)
	}

	if block, _ := pem.Decode(data); block != nil {
		key, err := ssh.ParseRawPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("mac: parse openssh secret: %w", err)
		}
		switch k := key.(type) {
		case *ed25519.PrivateKey:
			return []byte(*k), nil
		case ed25519.PrivateKey:
			return []byte(k), nil
		default:
			return nil, fmt.Errorf("mac: unsupported openssh key type %T", key)
		}
	}

	return data, nil
}

// Canonicalize produces a stable JSON encoding of payload: object keys
// are sorted lexicographically and there is no insignificant
// whitespace, so two equal payloads always MAC to the same value
// regardless of field declaration order or prior re-marshaling.
func Canonicalize(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("mac: marshal payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("mac: normalize payload: %w", err)
	}
	var buf []byte
	buf, err = appendCanonical(buf, generic)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf, err = appendCanonical(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf = append(buf, '[')
		for i, e := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, e)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, b...), nil
	}
}
