package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestHelloCarriesCredentials(t *testing.T) {
	m, err := Decode(Hello("phone", "tok").Struct())
	require.NoError(t, err)
	assert.Equal(t, TypeHello, m.Type)
	assert.Equal(t, "phone", m.Meta(MetaDeviceID))
	assert.Equal(t, "tok", m.Meta(MetaAuthToken))
}

func TestDecodeRejectsUntyped(t *testing.T) {
	_, err := Decode(&structpb.Struct{})
	assert.ErrorIs(t, err, ErrMissingType)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestDecodeDropsNonStringMetadata(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"type":     "probe_ack",
		"id":       "p1",
		"metadata": map[string]any{"n": 3, "k": "v"},
	})
	require.NoError(t, err)

	m, err := Decode(s)
	require.NoError(t, err)
	assert.Equal(t, "p1", m.ID)
	assert.Equal(t, map[string]string{"k": "v"}, m.Metadata)
}
