package activitypub

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/google/uuid"
	"github.com/websteadhq/webstead/domain"
	"github.com/websteadhq/webstead/util"
	"go.uber.org/zap"
)

// KeyManager owns the RSA keypair of every webstead.
type KeyManager struct {
	store      Store
	baseDomain string
	bits       int
	log        *zap.Logger
}

func NewKeyManager(store Store, baseDomain string, logger *zap.Logger) *KeyManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyManager{
		store:      store,
		baseDomain: baseDomain,
		bits:       util.KeyBits,
		log:        logger.Named("keys"),
	}
}

// EnsureKeypair generates and stores a keypair when the webstead has none.
// The store only writes when no key exists yet, so a concurrent provisioning
// never replaces a key; w is reloaded with whatever was persisted.
func (k *KeyManager) EnsureKeypair(ctx context.Context, w *domain.Webstead) error {
	if w.HasKeypair() {
		return nil
	}

	pair, err := util.GeneratePemKeypair(k.bits)
	if err != nil {
		return fmt.Errorf("generating keypair for %s: %w", w.Subdomain, err)
	}

	updated, err := k.store.SetWebsteadKeysIfEmpty(ctx, w.Id, pair.Private, pair.Public)
	if err != nil {
		return fmt.Errorf("storing keypair for %s: %w", w.Subdomain, err)
	}

	stored, err := k.store.ReadWebsteadById(ctx, w.Id)
	if err != nil {
		return fmt.Errorf("reloading webstead %s: %w", w.Subdomain, err)
	}
	*w = *stored

	if updated {
		k.log.Info("Keys: generated keypair", zap.String("webstead", w.Subdomain))
	}
	return nil
}

func (k *KeyManager) PublicKeyPem(w *domain.Webstead) string {
	return w.PublicKeyPem
}

func (k *KeyManager) PrivateKeyPem(w *domain.Webstead) string {
	return w.PrivateKeyPem
}

// KeyID is the publicKey id advertised in the actor document.
func (k *KeyManager) KeyID(w *domain.Webstead) string {
	return w.ActorURI(k.baseDomain) + "#main-key"
}

// SigningKey loads the private key of a webstead for outbound delivery.
// Keys are never copied into the delivery queue.
func (k *KeyManager) SigningKey(ctx context.Context, websteadId uuid.UUID) (string, error) {
	w, err := k.store.ReadWebsteadById(ctx, websteadId)
	if err != nil {
		return "", fmt.Errorf("loading webstead %s: %w", websteadId, err)
	}
	if !w.HasKeypair() {
		return "", ErrNoSigningKey
	}
	return w.PrivateKeyPem, nil
}

// ParsePrivateKey converts a PKCS#1 or PKCS#8 PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKey converts a PKIX or PKCS#1 PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPubKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return rsaPubKey, nil
	}

	rsaPubKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return rsaPubKey, nil
}
