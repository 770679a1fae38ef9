package krpc

import (
	"net/netip"
	"testing"

	"github.com/dhthunter/crawler/internal/dhttype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingQueryRoundTrip(t *testing.T) {
	var id dhttype.ID
	id[dhttype.IDLen-1] = 0x01
	msg := &Msg{
		TxID: []byte("aa"),
		Type: TypeQuery,
		Q:    MethodPing,
		Query: &QueryBody{
			Method: MethodPing,
			ID:     id,
		},
	}
	encoded, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, TypeQuery, decoded.Type)
	assert.Equal(t, MethodPing, decoded.Q)
	require.NotNil(t, decoded.Query)
	assert.Equal(t, id, decoded.Query.ID)
	assert.Equal(t, []byte("aa"), decoded.TxID)
}

func TestCanonicalKeyOrderingAQT_Y(t *testing.T) {
	var id dhttype.ID
	id[dhttype.IDLen-1] = 0x01
	msg := &Msg{
		TxID: []byte("aa"),
		Type: TypeQuery,
		Q:    MethodPing,
		Query: &QueryBody{
			Method: MethodPing,
			ID:     id,
		},
	}
	encoded, err := Encode(msg)
	require.NoError(t, err)
	s := string(encoded)
	ai := indexOf(s, "1:a")
	qi := indexOf(s, "1:q")
	ti := indexOf(s, "1:t")
	yi := indexOf(s, "1:y")
	require.True(t, ai >= 0 && qi >= 0 && ti >= 0 && yi >= 0)
	assert.True(t, ai < qi && qi < ti && ti < yi)
}

func TestGetPeersResponseWithValuesAndToken(t *testing.T) {
	var id dhttype.ID
	ep := netip.MustParseAddrPort("1.2.3.4:6881")
	msg := &Msg{
		TxID: []byte("bb"),
		Type: TypeResponse,
		Response: &ResponseBody{
			ID:        id,
			HasToken:  true,
			Token:     "tok123",
			HasValues: true,
			Values:    []dhttype.Endpoint{ep},
		},
	}
	encoded, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded.Response)
	assert.True(t, decoded.Response.HasValues)
	require.Len(t, decoded.Response.Values, 1)
	assert.Equal(t, ep, decoded.Response.Values[0])
	assert.Equal(t, "tok123", decoded.Response.Token)
}

func TestAnnouncePeerArgsRoundTrip(t *testing.T) {
	var id, ih dhttype.ID
	id[0] = 1
	ih[0] = 2
	msg := &Msg{
		TxID: []byte("cc"),
		Type: TypeQuery,
		Q:    MethodAnnouncePeer,
		Query: &QueryBody{
			Method:         MethodAnnouncePeer,
			ID:             id,
			InfoHash:       ih,
			Port:           6881,
			Token:          "tok",
			HasImpliedPort: true,
			ImpliedPort:    true,
		},
	}
	encoded, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded.Query)
	assert.Equal(t, 6881, decoded.Query.Port)
	assert.True(t, decoded.Query.HasImpliedPort)
	assert.True(t, decoded.Query.ImpliedPort)
	assert.Equal(t, "tok", decoded.Query.Token)
}

func TestErrorMessageRoundTrip(t *testing.T) {
	msg := &Msg{
		TxID:  []byte("dd"),
		Type:  TypeError,
		Error: &ErrorBody{Code: ErrorBadToken, Message: BadTokenMessage},
	}
	encoded, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, ErrorBadToken, decoded.Error.Code)
	assert.Equal(t, BadTokenMessage, decoded.Error.Message)
}

func TestCompactNodesRoundTrip(t *testing.T) {
	var id dhttype.ID
	id[0] = 9
	ep := netip.MustParseAddrPort("10.0.0.1:6881")
	nodes := []NodeInfo{{ID: id, Addr: ep}}
	packed := EncodeCompactNodes(nodes)
	require.Len(t, packed, compactNodeLen)
	decoded, err := DecodeCompactNodes(packed)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, id, decoded[0].ID)
	assert.Equal(t, ep, decoded[0].Addr)
}

func TestEncodeUnknownMethodIsRejected(t *testing.T) {
	var id dhttype.ID
	msg := &Msg{
		TxID:  []byte("ee"),
		Type:  TypeQuery,
		Q:     "unknown_method",
		Query: &QueryBody{Method: "unknown_method", ID: id},
	}
	_, err := Encode(msg)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
