// Package security manages the device's RSA keypair on disk, adapting the
// PEM-encode/file-permission idiom of the deprecated certificate store to a
// single signing keypair instead of a TLS cert chain.
package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/cuemby/miru-agent/internal/agenterrors"
)

const (
	privateKeyFilename = "private_key.pem"
	publicKeyFilename  = "public_key.pem"
	keyBits            = 2048
)

// KeyStore locates a device's keypair files under Dir.
type KeyStore struct {
	Dir string
}

func NewKeyStore(dir string) *KeyStore {
	return &KeyStore{Dir: dir}
}

func (s *KeyStore) privateKeyPath() string { return filepath.Join(s.Dir, privateKeyFilename) }
func (s *KeyStore) publicKeyPath() string  { return filepath.Join(s.Dir, publicKeyFilename) }

// Exists reports whether a keypair has already been generated.
func (s *KeyStore) Exists() bool {
	_, errPriv := os.Stat(s.privateKeyPath())
	_, errPub := os.Stat(s.publicKeyPath())
	return errPriv == nil && errPub == nil
}

// GenerateAndSave creates a new RSA keypair and persists it: the private key
// at mode 0600, the public key at mode 0644.
func (s *KeyStore) GenerateAndSave() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, &agenterrors.CryptErr{Source: err, Site: agenterrors.Trace()}
	}
	if err := s.Save(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Save writes key's PEM encoding to disk under Dir.
func (s *KeyStore) Save(key *rsa.PrivateKey) error {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return &agenterrors.FileSysErr{Path: s.Dir, Source: err, Site: agenterrors.Trace()}
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(s.privateKeyPath(), privPEM, 0o600); err != nil {
		return &agenterrors.FileSysErr{Path: s.privateKeyPath(), Source: err, Site: agenterrors.Trace()}
	}

	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey),
	})
	if err := os.WriteFile(s.publicKeyPath(), pubPEM, 0o644); err != nil {
		return &agenterrors.FileSysErr{Path: s.publicKeyPath(), Source: err, Site: agenterrors.Trace()}
	}
	return nil
}

// Load reads the private key back from disk.
func (s *KeyStore) Load() (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(s.privateKeyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &agenterrors.NotFoundErr{Key: s.privateKeyPath(), Site: agenterrors.Trace()}
		}
		return nil, &agenterrors.FileSysErr{Path: s.privateKeyPath(), Source: err, Site: agenterrors.Trace()}
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &agenterrors.CryptErr{Source: os.ErrInvalid, Site: agenterrors.Trace()}
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, &agenterrors.CryptErr{Source: err, Site: agenterrors.Trace()}
	}
	return key, nil
}

// LoadOrGenerate loads an existing keypair, generating and persisting a new
// one if none exists yet.
func (s *KeyStore) LoadOrGenerate() (*rsa.PrivateKey, error) {
	if s.Exists() {
		return s.Load()
	}
	return s.GenerateAndSave()
}

// PublicKeyPEM reads back the PEM-encoded public key persisted alongside
// the private key, the form the installer submits during activation.
func (s *KeyStore) PublicKeyPEM() (string, error) {
	data, err := os.ReadFile(s.publicKeyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", &agenterrors.NotFoundErr{Key: s.publicKeyPath(), Site: agenterrors.Trace()}
		}
		return "", &agenterrors.FileSysErr{Path: s.publicKeyPath(), Source: err, Site: agenterrors.Trace()}
	}
	return string(data), nil
}
