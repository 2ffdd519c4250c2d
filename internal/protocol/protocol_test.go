package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"id":"req-1","type":"login"}`))
	require.NoError(t, err)
	require.Equal(t, "req-1", env.ID)
	require.Equal(t, TypeLogin, env.Type)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`not json`))
	require.Error(t, err)
	var ve *ViolationError
	require.ErrorAs(t, err, &ve)
}

func TestDecodeEnvelopeMissingType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"id":"req-1"}`))
	require.Error(t, err)
}

func TestRoomLeaveResponseUsesLegacyFieldName(t *testing.T) {
	resp := RoomLeaveResponse{Type: TypeRoomLeaveResponse, RequestID: "req-9", Result: ResultOK}
	data, err := Marshal(resp)
	require.NoError(t, err)
	require.Contains(t, string(data), `"request_id":"req-9"`)
	require.NotContains(t, string(data), `"requestId"`)
}

func TestLoginResponseUsesRequestId(t *testing.T) {
	resp := LoginResponse{Type: TypeLoginResponse, RequestID: "req-2", Result: ResultOK, PlayerID: "p-1"}
	data, err := Marshal(resp)
	require.NoError(t, err)
	require.Contains(t, string(data), `"requestId":"req-2"`)
}
