package ws_test

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tickwire/tickwire/internal/ws"
)

func TestAcceptKeyMatchesRFCVector(t *testing.T) {
	got := ws.AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func TestGenerateKeyIsFreshBase64(t *testing.T) {
	first, err := ws.GenerateKey()
	require.NoError(t, err)
	second, err := ws.GenerateKey()
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(first)
	require.NoError(t, err)
	require.Len(t, raw, 16)
	require.NotEqual(t, first, second)
}
