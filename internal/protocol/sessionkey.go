package protocol

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// SessionKey is the per-session RSA key pair advertised to clients so they
// can encrypt passwords and UUIDs on the wire even before TLS is
// established.
type SessionKey struct {
	key *rsa.PrivateKey
}

// NewSessionKey generates a fresh 2048-bit session key.
func NewSessionKey() (*SessionKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("protocol: generate session key: %w", err)
	}
	return &SessionKey{key: key}, nil
}

// PublicKey returns the base64-encoded DER form of the public key, as
// advertised in the session greeting.
func (k *SessionKey) PublicKey() string {
	der, err := x509.MarshalPKIXPublicKey(&k.key.PublicKey)
	if err != nil {
		// Marshalling a freshly generated RSA public key cannot fail.
		return ""
	}
	return base64.StdEncoding.EncodeToString(der)
}

// Decrypt decodes and decrypts a base64 value according to the encrypt
// type: NONE passes the decoded bytes through, RSA applies PKCS#1 v1.5.
func (k *SessionKey) Decrypt(encryptType, encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("protocol: invalid base64 value: %w", err)
	}
	switch encryptType {
	case EncryptNone, "":
		return string(raw), nil
	case EncryptRSA:
		plain, err := rsa.DecryptPKCS1v15(rand.Reader, k.key, raw)
		if err != nil {
			return "", fmt.Errorf("protocol: RSA decrypt failed: %w", err)
		}
		return string(plain), nil
	default:
		return "", fmt.Errorf("protocol: unknown encrypt type %q", encryptType)
	}
}

// Encrypt is the client-side counterpart used by the slave connector when
// authorizing against a slave's advertised public key.
func Encrypt(publicKeyB64, encryptType, value string) (string, error) {
	switch encryptType {
	case EncryptNone, "":
		return base64.StdEncoding.EncodeToString([]byte(value)), nil
	case EncryptRSA:
		der, err := base64.StdEncoding.DecodeString(publicKeyB64)
		if err != nil {
			return "", fmt.Errorf("protocol: invalid public key: %w", err)
		}
		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return "", fmt.Errorf("protocol: parse public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return "", fmt.Errorf("protocol: public key is not RSA")
		}
		enc, err := rsa.EncryptPKCS1v15(rand.Reader, rsaPub, []byte(value))
		if err != nil {
			return "", fmt.Errorf("protocol: RSA encrypt failed: %w", err)
		}
		return base64.StdEncoding.EncodeToString(enc), nil
	default:
		return "", fmt.Errorf("protocol: unknown encrypt type %q", encryptType)
	}
}
