package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleDeploy struct {
	Name     string `cbor:"1,keyasint"`
	Replicas int    `cbor:"2,keyasint"`
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	d := sampleDeploy{Name: "hello", Replicas: 2}

	wire, err := EncodePayload(KindDeploy, d)
	require.NoError(t, err)

	tp, err := DecodeTagged(wire)
	require.NoError(t, err)
	assert.Equal(t, KindDeploy, tp.Kind)

	var out sampleDeploy
	require.NoError(t, DecodePayload(tp, &out))
	assert.Equal(t, d, out)
}

func TestCanonicalEncodingIsDeterministic(t *testing.T) {
	d := sampleDeploy{Name: "svc", Replicas: 3}

	a, err := EncodePayload(KindDeploy, d)
	require.NoError(t, err)
	b, err := EncodePayload(KindDeploy, d)
	require.NoError(t, err)

	assert.Equal(t, a, b, "identical input must canonicalize to identical bytes")
}

func TestTamperedBytesChangeEncoding(t *testing.T) {
	a, _ := EncodePayload(KindDeploy, sampleDeploy{Name: "svc", Replicas: 1})
	b, _ := EncodePayload(KindDeploy, sampleDeploy{Name: "svc", Replicas: 2})

	assert.NotEqual(t, a, b)
}

func TestPayloadKindString(t *testing.T) {
	assert.Equal(t, "Deploy", KindDeploy.String())
	assert.Equal(t, "PeerExchange", KindPeerExchange.String())
	assert.Equal(t, "Unknown", PayloadKind(255).String())
}
