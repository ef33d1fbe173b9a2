package types

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_signing_secret"

func TestSecretString_Redacts(t *testing.T) {
	s := SecretString(testSecret)

	assert.Equal(t, redactedPlaceholder, s.String())
	assert.NotContains(t, fmt.Sprintf("%s %v %+v", s, s, s), testSecret)
}

func TestSecretString_MarshalJSON(t *testing.T) {
	type billingCfg struct {
		WebhookSecret SecretString `json:"webhook_secret"`
		APIBase       string       `json:"api_base"`
	}

	out, err := json.Marshal(billingCfg{WebhookSecret: testSecret, APIBase: "https://api.stripe.com"})
	require.NoError(t, err)
	assert.NotContains(t, string(out), testSecret)
	assert.Contains(t, string(out), redactedPlaceholder)
}

func TestSecretString_SlogJSON(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logger.Info("loaded config", "secret", SecretString(testSecret))

	assert.NotContains(t, buf.String(), testSecret)
}

func TestSecretString_Unmask(t *testing.T) {
	s := SecretString(testSecret)
	assert.Equal(t, testSecret, s.Unmask())
	assert.True(t, s.IsSet())
	assert.False(t, SecretString("").IsSet())
}
