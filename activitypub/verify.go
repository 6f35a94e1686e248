package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Chocobozzz/PeerTube-sub005/util"
	"go.uber.org/zap"
)

const (
	SchemeHTTPSignature = "http-signature"
	SchemeLinkedData    = "ld-signature"
)

// PublicKeyResolver yields the PEM public key of an actor. RefreshPublicKey
// bypasses any cache, for peers that rotated their keys.
type PublicKeyResolver interface {
	PublicKey(ctx context.Context, actorURL string) (string, error)
	RefreshPublicKey(ctx context.Context, actorURL string) (string, error)
}

// SignatureStrategy authenticates an inbound request one way. Authenticate
// returns the URL of the actor who signed.
type SignatureStrategy interface {
	Scheme() string
	Applies(r *http.Request, doc map[string]interface{}) bool
	Authenticate(ctx context.Context, r *http.Request, body []byte, doc map[string]interface{}) (string, error)
}

// VerifiedActivity is an inbound activity whose origin has been proven.
type VerifiedActivity struct {
	Activity *Activity
	Document map[string]interface{}
	Body     []byte
	Signer   string
	Scheme   string
}

// Verifier authenticates inbound activities. A request carrying a Signature
// header is checked as an HTTP signature; otherwise an embedded linked-data
// signature is required. An activity relayed by someone other than its actor
// must also carry a valid linked-data signature by that actor.
type Verifier struct {
	strategies []SignatureStrategy
	documents  *LinkedDataStrategy
	logger     *zap.Logger
}

func NewVerifier(httpCodec *HTTPSignatureCodec, ldCodec *DocumentSignatureCodec, keys PublicKeyResolver, logger *zap.Logger) *Verifier {
	documents := &LinkedDataStrategy{codec: ldCodec, keys: keys}
	return &Verifier{
		strategies: []SignatureStrategy{
			&HTTPSignatureStrategy{codec: httpCodec, keys: keys},
			documents,
		},
		documents: documents,
		logger:    util.OrNop(logger),
	}
}

func (v *Verifier) VerifyRequest(ctx context.Context, r *http.Request, body []byte) (*VerifiedActivity, error) {
	var doc map[string]interface{}
	// an unparsable body is still checked, so a tampered one is reported
	// through the signature checks first
	_ = json.Unmarshal(body, &doc)

	for _, s := range v.strategies {
		if !s.Applies(r, doc) {
			continue
		}

		signer, err := s.Authenticate(ctx, r, body, doc)
		if err != nil {
			v.logger.Info("Rejected inbound activity",
				zap.String("scheme", s.Scheme()), zap.String("remote", r.RemoteAddr), zap.Error(err))
			return nil, err
		}

		if doc == nil {
			return nil, fmt.Errorf("%w: body is not a JSON object", ErrMalformedActivity)
		}
		activity, err := ParseActivity(body)
		if err != nil {
			return nil, err
		}

		if signer != activity.ActorURL() {
			if err := v.verifyForwarded(ctx, r, body, doc, activity, s.Scheme()); err != nil {
				v.logger.Info("Rejected forwarded activity",
					zap.String("signer", signer), zap.String("actor", activity.ActorURL()), zap.Error(err))
				return nil, err
			}
		}

		return &VerifiedActivity{
			Activity: activity,
			Document: doc,
			Body:     body,
			Signer:   signer,
			Scheme:   s.Scheme(),
		}, nil
	}

	return nil, ErrMissingSignature
}

// verifyForwarded accepts an activity relayed by a third party only when the
// activity carries its own actor's linked-data signature.
func (v *Verifier) verifyForwarded(ctx context.Context, r *http.Request, body []byte, doc map[string]interface{}, activity *Activity, scheme string) error {
	if scheme == SchemeLinkedData || !v.documents.Applies(r, doc) {
		return fmt.Errorf("%w: signer is not the activity actor", ErrSignatureInvalid)
	}

	signer, err := v.documents.Authenticate(ctx, r, body, doc)
	if err != nil {
		return err
	}
	if signer != activity.ActorURL() {
		return fmt.Errorf("%w: document signer is not the activity actor", ErrSignatureInvalid)
	}
	return nil
}

type HTTPSignatureStrategy struct {
	codec *HTTPSignatureCodec
	keys  PublicKeyResolver
}

func (s *HTTPSignatureStrategy) Scheme() string {
	return SchemeHTTPSignature
}

func (s *HTTPSignatureStrategy) Applies(r *http.Request, _ map[string]interface{}) bool {
	return r.Header.Get("Signature") != ""
}

func (s *HTTPSignatureStrategy) Authenticate(ctx context.Context, r *http.Request, body []byte, _ map[string]interface{}) (string, error) {
	params, err := s.codec.Check(r, body)
	if err != nil {
		return "", err
	}

	actorURL := ActorURLFromKeyId(params.KeyId)
	pem, err := s.keys.PublicKey(ctx, actorURL)
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve key of %s: %v", ErrSignatureInvalid, actorURL, err)
	}

	verifyErr := s.codec.VerifySignature(r, pem)
	if verifyErr == nil {
		return actorURL, nil
	}

	// the peer may have rotated its key since we cached it
	fresh, err := s.keys.RefreshPublicKey(ctx, actorURL)
	if err != nil || fresh == pem {
		return "", verifyErr
	}
	if err := s.codec.VerifySignature(r, fresh); err != nil {
		return "", err
	}
	return actorURL, nil
}

type LinkedDataStrategy struct {
	codec *DocumentSignatureCodec
	keys  PublicKeyResolver
}

func (s *LinkedDataStrategy) Scheme() string {
	return SchemeLinkedData
}

func (s *LinkedDataStrategy) Applies(_ *http.Request, doc map[string]interface{}) bool {
	if doc == nil {
		return false
	}
	_, ok := doc["signature"]
	return ok
}

func (s *LinkedDataStrategy) Authenticate(ctx context.Context, _ *http.Request, _ []byte, doc map[string]interface{}) (string, error) {
	sig, err := DocumentSignatureOf(doc)
	if err != nil {
		return "", err
	}

	actorURL := ActorURLFromKeyId(sig.Creator)
	pem, err := s.keys.PublicKey(ctx, actorURL)
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve key of %s: %v", ErrSignatureInvalid, actorURL, err)
	}

	verifyErr := s.codec.Verify(ctx, doc, pem)
	if verifyErr == nil {
		return actorURL, nil
	}
	if !errors.Is(verifyErr, ErrSignatureInvalid) {
		return "", verifyErr
	}

	fresh, err := s.keys.RefreshPublicKey(ctx, actorURL)
	if err != nil || fresh == pem {
		return "", verifyErr
	}
	if err := s.codec.Verify(ctx, doc, fresh); err != nil {
		return "", err
	}
	return actorURL, nil
}
