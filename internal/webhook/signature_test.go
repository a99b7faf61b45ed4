package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"
)

func TestSignProducesLowercaseHex(t *testing.T) {
	sig := Sign("topsecret", []byte(`{"event":"deposit.success"}`))
	assert.Len(t, sig, 64)
	assert.Regexp(t, "^[0-9a-f]+$", sig)
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	body := []byte(`{"event":"deposit.success","amount":1000}`)
	sig := Sign("topsecret", body)

	assert.True(t, VerifySignature("topsecret", body, sig))
	assert.False(t, VerifySignature("othersecret", body, sig))
	assert.False(t, VerifySignature("topsecret", body, sig[:63]+"0"))
}

func TestVerifySignatureDetectsTampering(t *testing.T) {
	body := []byte(`{"event":"deposit.success","transaction":{"amount":1000}}`)
	sig := Sign("topsecret", body)

	tampered, err := sjson.SetBytes(body, "transaction.amount", 999999)
	require.NoError(t, err)
	assert.False(t, VerifySignature("topsecret", tampered, sig))
}
