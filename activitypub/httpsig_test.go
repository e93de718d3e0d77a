package activitypub

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-fed/httpsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSigningString(t *testing.T) {
	tests := []struct {
		name     string
		digest   string
		expected string
	}{
		{
			name:   "with digest",
			digest: "SHA-256=abc",
			expected: "(request-target): post /users/alice/inbox\n" +
				"host: alice.webstead.test\n" +
				"date: Tue, 07 Jun 2022 20:51:35 GMT\n" +
				"digest: SHA-256=abc",
		},
		{
			name: "without digest",
			expected: "(request-target): post /users/alice/inbox\n" +
				"host: alice.webstead.test\n" +
				"date: Tue, 07 Jun 2022 20:51:35 GMT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildSigningString("POST", "/users/alice/inbox", "alice.webstead.test", "Tue, 07 Jun 2022 20:51:35 GMT", tt.digest)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestBuildSigningStringForUsesDeclaredOrder(t *testing.T) {
	h := http.Header{}
	h.Set("Date", "Tue, 07 Jun 2022 20:51:35 GMT")
	h.Set("Digest", "SHA-256=abc")

	got, err := BuildSigningStringFor([]string{"date", "(request-target)", "host"}, "POST", "/inbox", h, "remote.example")
	require.NoError(t, err)
	assert.Equal(t, "date: Tue, 07 Jun 2022 20:51:35 GMT\n(request-target): post /inbox\nhost: remote.example", got)

	_, err = BuildSigningStringFor([]string{"content-type"}, "POST", "/inbox", h, "remote.example")
	assert.ErrorIs(t, err, ErrMissingSignedHeader)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	keys := testKeys(t, 0)
	body := []byte(`{"type":"Create"}`)
	signingString := BuildSigningString("POST", "/inbox", "remote.example", time.Now().UTC().Format(http.TimeFormat), Digest(body))

	header, err := Sign(signingString, keys.Private, "https://alice.webstead.test/actor#main-key", SignedHeaders)
	require.NoError(t, err)

	params, err := ParseSignatureHeader(header)
	require.NoError(t, err)
	assert.Equal(t, "https://alice.webstead.test/actor#main-key", params.KeyID)
	assert.Equal(t, "https://alice.webstead.test/actor", params.ActorURI())
	assert.Equal(t, "rsa-sha256", params.Algorithm)
	assert.Equal(t, SignedHeaders, params.Headers)
	assert.True(t, params.Covers("digest"))

	assert.True(t, Verify(params, signingString, keys.Public))

	t.Run("altered signing string", func(t *testing.T) {
		tampered := strings.Replace(signingString, "remote.example", "remote.examplf", 1)
		assert.False(t, Verify(params, tampered, keys.Public))
	})

	t.Run("altered signature byte", func(t *testing.T) {
		flipped := *params
		flipped.Signature = bytes.Clone(params.Signature)
		flipped.Signature[0] ^= 0xff
		assert.False(t, Verify(&flipped, signingString, keys.Public))
	})

	t.Run("wrong key", func(t *testing.T) {
		assert.False(t, Verify(params, signingString, testKeys(t, 1).Public))
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		other := *params
		other.Algorithm = "hmac-sha256"
		assert.False(t, Verify(&other, signingString, keys.Public))
	})
}

func TestParseSignatureHeader(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"complete", `keyId="https://a.example/actor#main-key",algorithm="rsa-sha256",headers="(request-target) host date",signature="YWJj"`, false},
		{"spaces after commas", `keyId="k", algorithm="hs2019", headers="date", signature="YWJj"`, false},
		{"missing keyId", `algorithm="rsa-sha256",headers="date",signature="YWJj"`, true},
		{"missing headers", `keyId="k",signature="YWJj"`, true},
		{"missing signature", `keyId="k",headers="date"`, true},
		{"signature not base64", `keyId="k",headers="date",signature="!!!"`, true},
		{"unterminated quote", `keyId="k,headers="date"`, true},
		{"garbage", `garbage`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := ParseSignatureHeader(tt.header)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedSignature)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []byte("abc"), params.Signature)
		})
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)

	assert.Equal(t, Digest(body), Digest(bytes.Clone(body)))
	assert.NotEqual(t, Digest(body), Digest([]byte(`{"type":"Follow "}`)))
	assert.True(t, strings.HasPrefix(Digest(body), "SHA-256="))
	// sha256 of the empty string
	assert.Equal(t, "SHA-256=47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", Digest(nil))

	assert.True(t, VerifyDigest(Digest(body), body))
	assert.True(t, VerifyDigest("SHA-512=xyz, "+Digest(body), body))
	assert.False(t, VerifyDigest(Digest(body), []byte("other")))
	assert.False(t, VerifyDigest("", body))
}

// Signatures we produce must verify with an independent implementation.
func TestSignatureVerifiesWithGoFed(t *testing.T) {
	keys := testKeys(t, 0)
	body := []byte(`{"type":"Accept"}`)
	date := time.Now().UTC().Format(http.TimeFormat)
	digest := Digest(body)

	header, err := Sign(BuildSigningString("POST", "/users/bob/inbox", "remote.example", date, digest), keys.Private, "https://alice.webstead.test/actor#main-key", SignedHeaders)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "https://remote.example/users/bob/inbox", bytes.NewReader(body))
	r.Header.Set("Host", "remote.example")
	r.Header.Set("Date", date)
	r.Header.Set("Digest", digest)
	r.Header.Set("Signature", header)

	verifier, err := httpsig.NewVerifier(r)
	require.NoError(t, err)
	assert.Equal(t, "https://alice.webstead.test/actor#main-key", verifier.KeyId())

	pub, err := ParsePublicKey(keys.Public)
	require.NoError(t, err)
	assert.NoError(t, verifier.Verify(pub, httpsig.RSA_SHA256))
}

// Signatures from an independent implementation must verify with ours.
func TestGoFedSignatureVerifies(t *testing.T) {
	keys := testKeys(t, 0)
	body := []byte(`{"type":"Follow"}`)

	r := httptest.NewRequest(http.MethodPost, "https://alice.webstead.test/actor/inbox?x=1", bytes.NewReader(body))
	r.Header.Set("Host", r.Host)
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, SignedHeaders, httpsig.Signature, 0)
	require.NoError(t, err)
	key, err := ParsePrivateKey(keys.Private)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(key, "https://remote.example/users/bob#main-key", r, body))

	params, err := ParseSignatureHeader(r.Header.Get("Signature"))
	require.NoError(t, err)
	assert.True(t, VerifyDigest(r.Header.Get("Digest"), body))

	signingString, err := BuildSigningStringFor(params.Headers, r.Method, r.URL.RequestURI(), r.Header, r.Host)
	require.NoError(t, err)
	assert.True(t, Verify(params, signingString, keys.Public))
}

func TestSignRequestVerifyRequest(t *testing.T) {
	keys := testKeys(t, 0)
	body := []byte(`{"type":"Create"}`)

	r, err := http.NewRequest(http.MethodPost, "https://remote.example/users/bob/inbox", nil)
	require.NoError(t, err)
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	require.NoError(t, SignRequest(r, body, keys.Private, "https://alice.webstead.test/actor#main-key"))

	assert.Equal(t, Digest(body), r.Header.Get("Digest"))
	params, err := ParseSignatureHeader(r.Header.Get("Signature"))
	require.NoError(t, err)
	assert.Equal(t, SignedHeaders, params.Headers)
	assert.Equal(t, "https://alice.webstead.test/actor", params.ActorURI())

	received := func() *InboundRequest {
		header := r.Header.Clone()
		header.Del("Host")
		return &InboundRequest{Method: r.Method, Path: r.URL.RequestURI(), Host: "remote.example", Header: header, Body: body}
	}

	assert.NoError(t, VerifyRequest(received(), keys.Public))
	assert.Error(t, VerifyRequest(received(), testKeys(t, 1).Public))

	moved := received()
	moved.Path = "/users/carol/inbox"
	assert.Error(t, VerifyRequest(moved, keys.Public))

	redated := received()
	redated.Header.Set("Date", "Mon, 02 Jan 2006 15:04:05 GMT")
	assert.Error(t, VerifyRequest(redated, keys.Public))

	unsigned := received()
	unsigned.Header.Del("Signature")
	assert.ErrorIs(t, VerifyRequest(unsigned, keys.Public), ErrMalformedSignature)
}

func TestSignRequestRejectsBadKey(t *testing.T) {
	r, err := http.NewRequest(http.MethodPost, "https://remote.example/inbox", nil)
	require.NoError(t, err)
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	assert.Error(t, SignRequest(r, []byte(`{}`), "not a pem", "k"))
	assert.Empty(t, r.Header.Get("Signature"))
}
