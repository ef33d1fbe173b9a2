package external

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v82"

	"subledger/internal/types"
)

// StripeVerifier implements WebhookVerifier using stripe-go's HMAC-SHA256
// signature check with timestamp tolerance.
type StripeVerifier struct {
	secret types.SecretString
}

func NewStripeVerifier(secret types.SecretString) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Verify checks the signature over the untouched payload bytes and only then
// parses the envelope.
func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (*ProviderEvent, error) {
	if signatureHeader == "" {
		return nil, types.NewAppError(types.ErrCodeAuthSignatureMissing, "missing Stripe-Signature header", nil)
	}
	if err := stripe.ValidatePayload(payload, signatureHeader, v.secret.Unmask()); err != nil {
		return nil, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature verification failed", err)
	}

	return ParseEnvelope(payload)
}

// ParseEnvelope decodes an already verified event body. The resumer uses it
// on stored raw payloads.
func ParseEnvelope(payload []byte) (*ProviderEvent, error) {
	var env stripeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationPayload, "webhook body is not a valid event envelope", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, types.NewAppError(types.ErrCodeValidationPayload, "webhook envelope is missing id or type",
			errors.New("empty id or type"))
	}
	return &ProviderEvent{
		ID:      env.ID,
		Type:    env.Type,
		Created: time.Unix(env.Created, 0).UTC(),
		Object:  env.Data.Object,
	}, nil
}
