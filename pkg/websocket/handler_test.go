package websocket

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRoutesByAction(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(ActionHealthCheck, func(_ context.Context, msg *Message) (*Message, error) {
		return NewResponse(msg.ID, msg.Action, map[string]string{"status": "ok"})
	})
	require.True(t, d.HasHandler(ActionHealthCheck))

	req, err := NewRequest("1", ActionHealthCheck, nil)
	require.NoError(t, err)

	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeResponse, resp.Type)
	assert.Equal(t, "1", resp.ID)
}

func TestDispatcherUnknownActionGetsCorrelatedError(t *testing.T) {
	d := NewDispatcher()
	req, err := NewRequest("7", "no.such.action", nil)
	require.NoError(t, err)

	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeError, resp.Type)
	assert.Equal(t, "7", resp.ID)

	var payload ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, ErrorCodeUnknownAction, payload.Code)
}
