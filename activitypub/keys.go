package activitypub

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// KeyPair holds PEM encoded keys. Private is PKCS#1 for RSA and PKCS#8 for
// Ed25519; Public is always PKIX.
type KeyPair struct {
	Private string
	Public  string
}

// KeyManager generates actor keys and signs or verifies raw byte strings.
type KeyManager struct {
	size   int
	random io.Reader
}

func NewKeyManager(size int) *KeyManager {
	return &KeyManager{size: size, random: rand.Reader}
}

// Generate creates an RSA key pair of the configured size.
func (k *KeyManager) Generate() (*KeyPair, error) {
	key, err := rsa.GenerateKey(k.random, k.size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	return &KeyPair{Private: string(keyPEM), Public: string(pubPEM)}, nil
}

// GenerateEd25519 creates an Ed25519 key pair.
func (k *KeyManager) GenerateEd25519() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(k.random)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	return &KeyPair{
		Private: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})),
		Public:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})),
	}, nil
}

// Sign signs data with the PEM private key: RSASSA-PKCS1-v1_5 over SHA-256
// for RSA keys, plain Ed25519 otherwise.
func Sign(privateKeyPem string, data []byte) ([]byte, error) {
	key, err := ParsePrivateKey(privateKeyPem)
	if err != nil {
		return nil, err
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		sum := sha256.Sum256(data)
		return rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, sum[:])
	case ed25519.PrivateKey:
		return ed25519.Sign(k, data), nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

// Verify reports whether sig is a valid signature of data. Malformed keys
// verify nothing.
func Verify(publicKeyPem string, data, sig []byte) bool {
	key, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return false
	}

	switch k := key.(type) {
	case *rsa.PublicKey:
		sum := sha256.Sum256(data)
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, sum[:], sig) == nil
	case ed25519.PublicKey:
		return ed25519.Verify(k, data, sig)
	default:
		return false
	}
}

// ParsePrivateKey accepts PKCS#1 and PKCS#8 PEM blocks.
func ParsePrivateKey(pemString string) (crypto.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// ParsePublicKey accepts PKIX and PKCS#1 PEM blocks.
func ParsePublicKey(pemString string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// Fingerprint returns the SHA256 fingerprint of a PEM public key in the
// format ssh-keygen prints.
func Fingerprint(publicKeyPem string) (string, error) {
	key, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}
	sshKey, err := ssh.NewPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("unsupported key type: %w", err)
	}
	return ssh.FingerprintSHA256(sshKey), nil
}
