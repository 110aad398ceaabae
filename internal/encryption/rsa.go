// ABOUTME: RSA-OAEP codec for decrypting inbound and encrypting outbound frames.
// ABOUTME: Key pair is loaded once from PEM files at startup and immutable after.

package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrDecryptionFailed indicates ciphertext that cannot be decrypted: corrupt
// payload, wrong key, or garbage. The offending connection is closed; the
// failure is never silently dropped.
var ErrDecryptionFailed = errors.New("decryption failed")

// Codec encrypts outbound plaintext and decrypts inbound ciphertext. It holds
// no per-connection state and is safe for concurrent use.
type Codec interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// RSACodec implements Codec with RSA-OAEP over a process-wide key pair.
// Frames larger than a single OAEP block are split into fixed-size chunks.
type RSACodec struct {
	public  *rsa.PublicKey
	private *rsa.PrivateKey
}

// LoadKeyPair reads a PEM-encoded public and private key and returns a codec
// bound to them.
func LoadKeyPair(publicPath, privatePath string) (*RSACodec, error) {
	pub, err := loadPublicKey(publicPath)
	if err != nil {
		return nil, fmt.Errorf("loading public key: %w", err)
	}
	priv, err := loadPrivateKey(privatePath)
	if err != nil {
		return nil, fmt.Errorf("loading private key: %w", err)
	}
	return NewRSACodec(pub, priv), nil
}

// NewRSACodec returns a codec over an already-parsed key pair.
func NewRSACodec(pub *rsa.PublicKey, priv *rsa.PrivateKey) *RSACodec {
	return &RSACodec{public: pub, private: priv}
}

// Encrypt produces ciphertext for the given plaintext. Large plaintexts are
// encrypted as a sequence of OAEP blocks.
func (c *RSACodec) Encrypt(plaintext []byte) ([]byte, error) {
	hash := sha256.New()
	step := c.public.Size() - 2*hash.Size() - 2

	var out []byte
	for start := 0; ; start += step {
		end := start + step
		if end > len(plaintext) {
			end = len(plaintext)
		}
		block, err := rsa.EncryptOAEP(hash, rand.Reader, c.public, plaintext[start:end], nil)
		if err != nil {
			return nil, fmt.Errorf("encrypting frame: %w", err)
		}
		out = append(out, block...)
		if end == len(plaintext) {
			break
		}
	}
	return out, nil
}

// Decrypt recovers the plaintext for ciphertext produced by Encrypt.
// Any structural or cryptographic failure is reported as ErrDecryptionFailed.
func (c *RSACodec) Decrypt(ciphertext []byte) ([]byte, error) {
	size := c.private.Size()
	if len(ciphertext) == 0 || len(ciphertext)%size != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d not a multiple of key size", ErrDecryptionFailed, len(ciphertext))
	}

	hash := sha256.New()
	var out []byte
	for start := 0; start < len(ciphertext); start += size {
		block, err := rsa.DecryptOAEP(hash, nil, c.private, ciphertext[start:start+size], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		out = append(out, block...)
	}
	return out, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key in %s is not RSA", path)
	}
	return rsaKey, nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key in %s is not RSA", path)
	}
	return rsaKey, nil
}
