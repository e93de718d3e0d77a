package activitypub

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-fed/httpsig"
)

const (
	headerRequestTarget = "(request-target)"
	algorithmRSASHA256  = "rsa-sha256"
	algorithmHS2019     = "hs2019"
)

// SignedHeaders is the header set every outbound request is signed over.
var SignedHeaders = []string{headerRequestTarget, "host", "date", "digest"}

// SignatureParams is a parsed Signature header.
type SignatureParams struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

// ActorURI is the keyId without its fragment.
func (p *SignatureParams) ActorURI() string {
	if i := strings.IndexByte(p.KeyID, '#'); i >= 0 {
		return p.KeyID[:i]
	}
	return p.KeyID
}

// Covers reports whether the signature includes the given header.
func (p *SignatureParams) Covers(header string) bool {
	for _, h := range p.Headers {
		if h == header {
			return true
		}
	}
	return false
}

// BuildSigningString builds the signing string over the fixed header set.
// The digest line is left out when digest is empty.
func BuildSigningString(method, path, host, date, digest string) string {
	lines := []string{
		fmt.Sprintf("%s: %s %s", headerRequestTarget, strings.ToLower(method), path),
		"host: " + host,
		"date: " + date,
	}
	if digest != "" {
		lines = append(lines, "digest: "+digest)
	}
	return strings.Join(lines, "\n")
}

// BuildSigningStringFor rebuilds a signing string from the receiver's view
// of a request, in the order the sender declared. A declared header that is
// absent from the request is an error, never an empty value.
func BuildSigningStringFor(headers []string, method, path string, h http.Header, host string) (string, error) {
	lines := make([]string, 0, len(headers))
	for _, name := range headers {
		name = strings.ToLower(name)
		switch name {
		case headerRequestTarget:
			lines = append(lines, fmt.Sprintf("%s: %s %s", headerRequestTarget, strings.ToLower(method), path))
		case "host":
			value := h.Get("Host")
			if value == "" {
				value = host
			}
			if value == "" {
				return "", fmt.Errorf("%w: host", ErrMissingSignedHeader)
			}
			lines = append(lines, "host: "+value)
		default:
			raw := h.Values(name)
			if len(raw) == 0 {
				return "", fmt.Errorf("%w: %s", ErrMissingSignedHeader, name)
			}
			values := make([]string, len(raw))
			for i, v := range raw {
				values[i] = strings.TrimSpace(v)
			}
			lines = append(lines, name+": "+strings.Join(values, ", "))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// Sign signs signingString with RSA-SHA256 and returns the Signature header value.
func Sign(signingString, privateKeyPem, keyID string, headers []string) (string, error) {
	key, err := ParsePrivateKey(privateKeyPem)
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hash[:])
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}

	return fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		keyID, algorithmRSASHA256, strings.Join(headers, " "), base64.StdEncoding.EncodeToString(sig)), nil
}

// ParseSignatureHeader parses keyId, algorithm, headers and signature.
// keyId, headers and a valid base64 signature are required.
func ParseSignatureHeader(value string) (*SignatureParams, error) {
	fields, err := splitSignatureParams(value)
	if err != nil {
		return nil, err
	}

	params := &SignatureParams{
		KeyID:     fields["keyId"],
		Algorithm: strings.ToLower(fields["algorithm"]),
		Headers:   strings.Fields(strings.ToLower(fields["headers"])),
	}
	if params.KeyID == "" || len(params.Headers) == 0 || fields["signature"] == "" {
		return nil, ErrMalformedSignature
	}

	params.Signature, err = base64.StdEncoding.DecodeString(fields["signature"])
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not base64", ErrMalformedSignature)
	}
	return params, nil
}

// splitSignatureParams reads comma separated key="value" pairs.
func splitSignatureParams(value string) (map[string]string, error) {
	fields := map[string]string{}
	rest := strings.TrimSpace(value)
	for rest != "" {
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, ErrMalformedSignature
		}
		key := strings.TrimSpace(rest[:eq])
		rest = rest[eq+1:]

		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, ErrMalformedSignature
			}
			val = rest[1 : end+1]
			rest = rest[end+2:]
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				end = len(rest)
			}
			val = strings.TrimSpace(rest[:end])
			rest = rest[end:]
		}
		fields[key] = val

		rest = strings.TrimSpace(rest)
		if rest == "" {
			break
		}
		if rest[0] != ',' {
			return nil, ErrMalformedSignature
		}
		rest = strings.TrimSpace(rest[1:])
	}
	return fields, nil
}

// Verify checks params.Signature over signingString with the PEM public key.
// Any parse failure counts as an invalid signature.
func Verify(params *SignatureParams, signingString, publicKeyPem string) bool {
	if params == nil || len(params.Signature) == 0 {
		return false
	}
	switch params.Algorithm {
	case "", algorithmRSASHA256, algorithmHS2019:
	default:
		return false
	}

	pub, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return false
	}
	hash := sha256.Sum256([]byte(signingString))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, hash[:], params.Signature) == nil
}

// SignRequest sets the Digest and Signature headers of an outbound request,
// signing over SignedHeaders. r must already carry its Date header.
func SignRequest(r *http.Request, body []byte, privateKeyPem, keyID string) error {
	key, err := ParsePrivateKey(privateKeyPem)
	if err != nil {
		return err
	}

	// The signer reads host from the header map like any other header.
	r.Header.Set("Host", r.URL.Host)

	// Signers keep state between calls and are not safe for concurrent use.
	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, SignedHeaders, httpsig.Signature, 0)
	if err != nil {
		return fmt.Errorf("creating signer: %w", err)
	}
	if err := signer.SignRequest(key, keyID, r, body); err != nil {
		return fmt.Errorf("signing: %w", err)
	}
	return nil
}

// VerifyRequest checks the Signature header of an inbound request against
// publicKeyPem, over the headers the sender declared.
func VerifyRequest(req *InboundRequest, publicKeyPem string) error {
	pub, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return err
	}

	r, err := http.NewRequest(req.Method, req.Path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	r.Host = req.Host
	r.Header = req.Header.Clone()

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return verifier.Verify(pub, httpsig.RSA_SHA256)
}

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// VerifyDigest checks a received Digest header against the received body.
// Only SHA-256 is accepted.
func VerifyDigest(header string, body []byte) bool {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		algo, value, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		expected := Digest(body)[len("SHA-256="):]
		return subtle.ConstantTimeCompare([]byte(value), []byte(expected)) == 1
	}
	return false
}
