package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string
	Count int
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := sample{Name: "widget", Count: 3}
	encoded, err := Encode(TagValue, in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Decode(encoded, TagValue, &out))
	assert.Equal(t, in, out)
}

func TestDecodeEnvelopeRecoversTagWithoutFullDecode(t *testing.T) {
	encoded, err := Encode(TagTask, sample{Name: "build"})
	require.NoError(t, err)

	env, err := DecodeEnvelope(encoded)
	require.NoError(t, err)
	assert.Equal(t, byte(1), env.Version)
	assert.Equal(t, TagTask, env.Tag)
}

func TestDecodeRejectsTagMismatch(t *testing.T) {
	encoded, err := Encode(TagTree, sample{Name: "oops"})
	require.NoError(t, err)

	var out sample
	err = Decode(encoded, TagPackage, &out)
	assert.Error(t, err)
}

func TestDecodeEnvelopeRejectsShortInput(t *testing.T) {
	_, err := DecodeEnvelope([]byte{1})
	assert.Error(t, err)
}

func TestDecodeEnvelopeRejectsUnknownVersion(t *testing.T) {
	_, err := DecodeEnvelope([]byte{99, byte(TagValue)})
	assert.Error(t, err)
}
