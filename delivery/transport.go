package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/activitypub"
	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/Chocobozzz/PeerTube-sub005/util"
)

// Transport posts signed activities to remote inboxes.
type Transport struct {
	client *http.Client
	codec  *activitypub.HTTPSignatureCodec
}

func NewTransport(codec *activitypub.HTTPSignatureCodec, timeout time.Duration) *Transport {
	return &Transport{
		client: &http.Client{Timeout: timeout},
		codec:  codec,
	}
}

// Post delivers body to inbox, signed as signer. Connection failures and
// timeouts wrap ErrDeliveryTransport; non-2xx answers are a *RejectedError.
func (t *Transport) Post(ctx context.Context, inbox string, body []byte, signer *domain.Actor) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", activitypub.ContentTypeActivity)
	req.Header.Set("Accept", activitypub.ContentTypeActivity)
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	if err := t.codec.SignRequest(req, body, signer); err != nil {
		return Permanent(fmt.Errorf("failed to sign request: %w", err))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryTransport, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RejectedError{Inbox: inbox, StatusCode: resp.StatusCode}
	}
	return nil
}
