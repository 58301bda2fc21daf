package binance_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tickwire/tickwire/config"
	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/binance"
)

// Key material and expected digest from the exchange's published signed
// endpoint example.
const (
	docAPIKey = "vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A"
	docSecret = "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
)

func TestSignMatchesPublishedVector(t *testing.T) {
	signer, err := binance.NewSigner(config.Credentials{APIKey: docAPIKey, APISecret: docSecret})
	require.NoError(t, err)
	require.Equal(t, docAPIKey, signer.APIKey())

	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	require.Equal(t,
		"c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71",
		signer.Sign(query))
}

func TestSignIsDeterministic(t *testing.T) {
	signer, err := binance.NewSigner(config.Credentials{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
	require.Equal(t, signer.Sign("timestamp=1"), signer.Sign("timestamp=1"))
	require.NotEqual(t, signer.Sign("timestamp=1"), signer.Sign("timestamp=2"))
}

func TestNewSignerRequiresBothHalves(t *testing.T) {
	for _, creds := range []config.Credentials{
		{},
		{APIKey: "key-only"},
		{APISecret: "secret-only"},
	} {
		_, err := binance.NewSigner(creds)
		require.True(t, errs.IsCode(err, errs.CodeAuth), "creds %+v", creds)
	}
}
