package activitypub

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/piprate/json-gold/ld"
)

const (
	SignatureTypeRsa2017 = "RsaSignature2017"

	createdFormat = "2006-01-02T15:04:05.000Z"
)

// DocumentSignature is the "signature" block embedded in a signed activity.
type DocumentSignature struct {
	Type           string `json:"type"`
	Creator        string `json:"creator"`
	Created        string `json:"created"`
	SignatureValue string `json:"signatureValue"`
}

// DocumentSignatureCodec produces and checks RsaSignature2017 linked-data
// signatures. The signed bytes are the hex SHA-256 of the canonical signature
// options followed by the hex SHA-256 of the canonical document, both
// canonicalized with URDNA2015.
type DocumentSignatureCodec struct {
	resolver *ContextResolver
	now      func() time.Time
}

func NewDocumentSignatureCodec(resolver *ContextResolver) *DocumentSignatureCodec {
	return &DocumentSignatureCodec{resolver: resolver, now: time.Now}
}

// Sign returns a copy of doc carrying a signature block made with the
// signer's private key. An existing signature is replaced.
func (c *DocumentSignatureCodec) Sign(ctx context.Context, doc map[string]interface{}, signer *domain.Actor) (map[string]interface{}, error) {
	if signer.PrivateKey == "" {
		return nil, fmt.Errorf("actor %s has no private key", signer.URL)
	}

	unsigned, err := withoutSignature(doc)
	if err != nil {
		return nil, err
	}

	created := c.now().UTC().Format(createdFormat)
	data, err := c.verifyData(ctx, unsigned, signer.KeyId(), created)
	if err != nil {
		return nil, err
	}

	sig, err := Sign(signer.PrivateKey, data)
	if err != nil {
		return nil, err
	}

	signed, err := withoutSignature(doc)
	if err != nil {
		return nil, err
	}
	signed["signature"] = map[string]interface{}{
		"type":           SignatureTypeRsa2017,
		"creator":        signer.KeyId(),
		"created":        created,
		"signatureValue": base64.StdEncoding.EncodeToString(sig),
	}
	return signed, nil
}

// Verify checks the embedded signature of doc against publicKeyPem.
func (c *DocumentSignatureCodec) Verify(ctx context.Context, doc map[string]interface{}, publicKeyPem string) error {
	sig, err := DocumentSignatureOf(doc)
	if err != nil {
		return err
	}

	unsigned, err := withoutSignature(doc)
	if err != nil {
		return err
	}

	data, err := c.verifyData(ctx, unsigned, sig.Creator, sig.Created)
	if err != nil {
		return err
	}

	raw, err := base64.StdEncoding.DecodeString(sig.SignatureValue)
	if err != nil {
		return fmt.Errorf("%w: signatureValue is not base64", ErrSignatureInvalid)
	}

	if !Verify(publicKeyPem, data, raw) {
		return ErrSignatureInvalid
	}
	return nil
}

// DocumentSignatureOf extracts and validates the signature block of doc.
func DocumentSignatureOf(doc map[string]interface{}) (*DocumentSignature, error) {
	block, ok := doc["signature"].(map[string]interface{})
	if !ok {
		return nil, ErrMissingSignature
	}

	sig := &DocumentSignature{}
	sig.Type, _ = block["type"].(string)
	sig.Creator, _ = block["creator"].(string)
	sig.Created, _ = block["created"].(string)
	sig.SignatureValue, _ = block["signatureValue"].(string)

	if sig.Type != SignatureTypeRsa2017 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSignatureScheme, sig.Type)
	}
	if sig.Creator == "" || sig.SignatureValue == "" {
		return nil, fmt.Errorf("%w: incomplete signature block", ErrSignatureInvalid)
	}
	return sig, nil
}

func (c *DocumentSignatureCodec) verifyData(ctx context.Context, unsigned map[string]interface{}, creator, created string) ([]byte, error) {
	if err := c.checkCovered(ctx, unsigned); err != nil {
		return nil, err
	}

	options := map[string]interface{}{
		"@context": SecurityContext,
		"creator":  creator,
		"created":  created,
	}

	optionsHash, err := c.canonicalHash(ctx, options)
	if err != nil {
		return nil, err
	}
	docHash, err := c.canonicalHash(ctx, unsigned)
	if err != nil {
		return nil, err
	}
	return []byte(optionsHash + docHash), nil
}

func (c *DocumentSignatureCodec) canonicalHash(ctx context.Context, doc map[string]interface{}) (string, error) {
	// Resolve referenced contexts up front so an unreachable one surfaces
	// as such instead of as a generic processor error.
	for _, u := range contextURLs(doc) {
		if _, err := c.resolver.Resolve(ctx, u); err != nil {
			return "", err
		}
	}

	out, err := ld.NewJsonLdProcessor().Normalize(doc, c.options())
	if err != nil {
		return "", fmt.Errorf("%w: canonicalization failed: %v", ErrSignatureInvalid, err)
	}

	nquads, _ := out.(string)
	sum := sha256.Sum256([]byte(nquads))
	return hex.EncodeToString(sum[:]), nil
}

// checkCovered rejects documents with top-level keys their context does not
// map to an IRI. Canonicalization drops such keys, so the signature would
// not cover them.
func (c *DocumentSignatureCodec) checkCovered(ctx context.Context, doc map[string]interface{}) error {
	for _, u := range contextURLs(doc) {
		if _, err := c.resolver.Resolve(ctx, u); err != nil {
			return err
		}
	}

	active, err := ld.NewContext(nil, c.options()).Parse(doc["@context"])
	if err != nil {
		return fmt.Errorf("%w: bad context: %v", ErrSignatureInvalid, err)
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		if k != "@context" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		iri, err := active.ExpandIri(k, false, true, nil, nil)
		if err != nil || !coveredIri(iri) {
			return fmt.Errorf("%w: %q is not defined by the document context", ErrSignatureInvalid, k)
		}
	}
	return nil
}

// coveredIri reports whether a property expanding to iri survives RDF
// conversion. Blank node properties, such as those produced by an "_:"
// vocabulary, are dropped.
func coveredIri(iri string) bool {
	if ld.IsKeyword(iri) {
		return true
	}
	return iri != "" && !strings.HasPrefix(iri, "_:") && ld.IsAbsoluteIri(iri)
}

func (c *DocumentSignatureCodec) options() *ld.JsonLdOptions {
	opts := ld.NewJsonLdOptions("")
	opts.Algorithm = "URDNA2015"
	opts.Format = "application/n-quads"
	opts.DocumentLoader = c.resolver
	return opts
}

// withoutSignature deep-copies doc minus its signature block.
func withoutSignature(doc map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	var clone map[string]interface{}
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	delete(clone, "signature")
	return clone, nil
}
