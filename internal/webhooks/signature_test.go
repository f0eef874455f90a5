package webhooks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignProducesStableHexDigest(t *testing.T) {
	body := []byte(`{"type":"invoice.created"}`)

	first := Sign("top-secret", body)
	second := Sign("top-secret", body)

	require.Equal(t, first, second)
	require.Len(t, first, 64, "hex-encoded SHA-256 digest")
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"type":"invoice.created"}`)
	sig := Sign("top-secret", body)

	require.True(t, VerifySignature("top-secret", body, sig))
	require.False(t, VerifySignature("wrong-secret", body, sig))
	require.False(t, VerifySignature("top-secret", []byte(`tampered`), sig))
	require.False(t, VerifySignature("top-secret", body, ""))
}
