package activitypub

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/websteadhq/webstead/domain"
)

func TestEnsureKeypairGeneratesOnce(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	w := &domain.Webstead{Id: uuid.New(), Subdomain: "keyless", CreatedAt: time.Now()}
	require.NoError(t, store.CreateWebstead(ctx, w))

	keys := NewKeyManager(store, testBaseDomain, nil)
	keys.bits = 1024
	require.NoError(t, keys.EnsureKeypair(ctx, w))
	require.True(t, w.HasKeypair())

	priv, err := ParsePrivateKey(keys.PrivateKeyPem(w))
	require.NoError(t, err)
	pub, err := ParsePublicKey(keys.PublicKeyPem(w))
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(pub), "stored public key must belong to the private key")

	block, _ := pem.Decode([]byte(w.PublicKeyPem))
	require.NotNil(t, block)
	assert.Equal(t, "PUBLIC KEY", block.Type)

	first := w.PrivateKeyPem
	require.NoError(t, keys.EnsureKeypair(ctx, w))
	assert.Equal(t, first, w.PrivateKeyPem)
}

func TestEnsureKeypairNeverOverwrites(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	w := &domain.Webstead{Id: uuid.New(), Subdomain: "racer", CreatedAt: time.Now()}
	require.NoError(t, store.CreateWebstead(ctx, w))

	// another process provisions first while w is a stale copy
	existing := testKeys(t, 1)
	_, err := store.SetWebsteadKeysIfEmpty(ctx, w.Id, existing.Private, existing.Public)
	require.NoError(t, err)

	keys := NewKeyManager(store, testBaseDomain, nil)
	keys.bits = 1024
	require.NoError(t, keys.EnsureKeypair(ctx, w))
	assert.Equal(t, existing.Private, w.PrivateKeyPem)
	assert.Equal(t, existing.Public, w.PublicKeyPem)
}

func TestKeyIDAndSigningKey(t *testing.T) {
	store := setupStore(t)
	w := createWebstead(t, store, "alice")
	keys := NewKeyManager(store, testBaseDomain, nil)

	assert.Equal(t, "https://alice.webstead.test/actor#main-key", keys.KeyID(w))

	priv, err := keys.SigningKey(context.Background(), w.Id)
	require.NoError(t, err)
	assert.Equal(t, w.PrivateKeyPem, priv)

	_, err = keys.SigningKey(context.Background(), uuid.New())
	assert.Error(t, err)

	bare := &domain.Webstead{Id: uuid.New(), Subdomain: "bare", CreatedAt: time.Now()}
	require.NoError(t, store.CreateWebstead(context.Background(), bare))
	_, err = keys.SigningKey(context.Background(), bare.Id)
	assert.ErrorIs(t, err, ErrNoSigningKey)
}

func TestParseKeyFormats(t *testing.T) {
	pair := testKeys(t, 0)
	priv, err := ParsePrivateKey(pair.Private)
	require.NoError(t, err)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	fromPKCS8, err := ParsePrivateKey(string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})))
	require.NoError(t, err)
	assert.True(t, priv.Equal(fromPKCS8))

	pkcs1Pub := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey)})
	pub, err := ParsePublicKey(string(pkcs1Pub))
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(pub))

	_, err = ParsePrivateKey("not a key")
	assert.Error(t, err)
	_, err = ParsePublicKey("not a key")
	assert.Error(t, err)
}
