package activitypub

import (
	"crypto/ed25519"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/Chocobozzz/PeerTube-sub005/util"
)

const (
	headerRequestTarget = "(request-target)"
	headerCreated       = "(created)"
)

// SignatureParams is the parsed form of a Signature header.
type SignatureParams struct {
	KeyId     string
	Algorithm string
	Headers   []string
	Created   int64
	Signature string
}

func (p *SignatureParams) covers(header string) bool {
	for _, h := range p.Headers {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// HTTPSignatureCodec signs outgoing requests and checks incoming ones
// (draft-cavage HTTP signatures).
type HTTPSignatureCodec struct {
	algorithm          httpsig.Algorithm
	headersWithBody    []string
	headersWithoutBody []string
	clockSkew          time.Duration
	now                func() time.Time
}

func NewHTTPSignatureCodec(conf util.SignatureConfig) *HTTPSignatureCodec {
	return &HTTPSignatureCodec{
		algorithm:          httpsig.Algorithm(conf.Algorithm),
		headersWithBody:    conf.HeadersWithBody,
		headersWithoutBody: conf.HeadersWithoutBody,
		clockSkew:          conf.ClockSkew,
		now:                time.Now,
	}
}

// SignRequest signs req as signer. A non-nil body gets a Digest header and the
// body header set; GET requests pass a nil body.
func (c *HTTPSignatureCodec) SignRequest(req *http.Request, body []byte, signer *domain.Actor) error {
	if signer.PrivateKey == "" {
		return fmt.Errorf("actor %s has no private key", signer.URL)
	}
	key, err := ParsePrivateKey(signer.PrivateKey)
	if err != nil {
		return err
	}

	headers := c.headersWithoutBody
	if body != nil {
		headers = c.headersWithBody
		req.Header.Set("Digest", Digest(body))
	}
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", c.now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)

	algo := c.algorithm
	if _, ok := key.(ed25519.PrivateKey); ok {
		algo = httpsig.ED25519
	}

	s, _, err := httpsig.NewSigner([]httpsig.Algorithm{algo}, httpsig.DigestSha256, headers, httpsig.Signature, 0)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	// Digest is already set above, so the library must not add it again.
	return s.SignRequest(key, signer.KeyId(), req, nil)
}

// Check runs every verification step that needs no key: the body digest,
// the set of signed headers and the signature timestamp. The digest goes
// first so a tampered body is reported as such whatever the signature says.
func (c *HTTPSignatureCodec) Check(r *http.Request, body []byte) (*SignatureParams, error) {
	if len(body) > 0 {
		if err := VerifyDigest(r.Header.Get("Digest"), body); err != nil {
			return nil, err
		}
	}

	params, err := ParseSignatureHeader(r.Header.Get("Signature"))
	if err != nil {
		return nil, err
	}

	for _, h := range []string{headerRequestTarget, "host"} {
		if !params.covers(h) {
			return nil, fmt.Errorf("%w: %s is not signed", ErrSignatureInvalid, h)
		}
	}
	if len(body) > 0 && !params.covers("digest") {
		return nil, fmt.Errorf("%w: digest is not signed", ErrSignatureInvalid)
	}

	signedAt, err := signatureTime(r, params)
	if err != nil {
		return nil, err
	}

	skew := c.now().Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > c.clockSkew {
		return nil, fmt.Errorf("%w: %s", ErrClockSkewExceeded, skew.Round(time.Second))
	}

	return params, nil
}

func signatureTime(r *http.Request, params *SignatureParams) (time.Time, error) {
	if params.covers(headerCreated) && params.Created > 0 {
		return time.Unix(params.Created, 0), nil
	}
	if params.covers("date") {
		if date := r.Header.Get("Date"); date != "" {
			t, err := http.ParseTime(date)
			if err != nil {
				return time.Time{}, fmt.Errorf("%w: unparsable Date %q", ErrMissingTimestamp, date)
			}
			return t, nil
		}
	}
	return time.Time{}, ErrMissingTimestamp
}

// VerifySignature checks the cryptographic signature of r against the PEM
// public key.
func (c *HTTPSignatureCodec) VerifySignature(r *http.Request, publicKeyPem string) error {
	req := r.Clone(r.Context())
	// servers move Host out of the header map
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.Host)
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	key, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	algo := c.algorithm
	if _, ok := key.(ed25519.PublicKey); ok {
		algo = httpsig.ED25519
	}

	if err := verifier.Verify(key, algo); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// ParseSignatureHeader splits a Signature header into its parameters.
func ParseSignatureHeader(value string) (*SignatureParams, error) {
	if value == "" {
		return nil, ErrMissingSignature
	}

	params := &SignatureParams{}
	for _, field := range splitParams(value) {
		name, raw, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed parameter %q", ErrSignatureInvalid, field)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		raw = strings.Trim(strings.TrimSpace(raw), `"`)

		switch name {
		case "keyid":
			params.KeyId = raw
		case "algorithm":
			params.Algorithm = raw
		case "headers":
			params.Headers = strings.Fields(strings.ToLower(raw))
		case "signature":
			params.Signature = raw
		case "created":
			created, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad created %q", ErrSignatureInvalid, raw)
			}
			params.Created = created
		}
	}

	if params.KeyId == "" || params.Signature == "" {
		return nil, fmt.Errorf("%w: keyId and signature are required", ErrSignatureInvalid)
	}
	if len(params.Headers) == 0 {
		params.Headers = []string{"date"}
	}
	return params, nil
}

// splitParams splits on commas outside quoted strings.
func splitParams(value string) []string {
	var fields []string
	var current strings.Builder
	quoted := false

	for _, r := range value {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
		case r == ',' && !quoted:
			fields = append(fields, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		fields = append(fields, current.String())
	}
	return fields
}

// ActorURLFromKeyId strips the key fragment: "https://a.example/accounts/alice#main-key"
// identifies the actor "https://a.example/accounts/alice".
func ActorURLFromKeyId(keyId string) string {
	actorURL, _, _ := strings.Cut(keyId, "#")
	return actorURL
}
