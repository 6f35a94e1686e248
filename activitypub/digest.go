package activitypub

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

const digestAlgorithm = "SHA-256"

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return digestAlgorithm + "=" + base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyDigest checks a Digest header against body. The header may list
// several algorithms; only the SHA-256 entry is considered.
func VerifyDigest(header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("%w: no Digest header", ErrDigestMismatch)
	}

	expected := Digest(body)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		algo, _, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(algo, digestAlgorithm) {
			continue
		}
		// normalize the algorithm token before comparing
		part = digestAlgorithm + part[len(algo):]
		if subtle.ConstantTimeCompare([]byte(part), []byte(expected)) == 1 {
			return nil
		}
		return ErrDigestMismatch
	}

	return fmt.Errorf("%w: no %s entry", ErrDigestMismatch, digestAlgorithm)
}
