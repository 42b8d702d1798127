package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Inbound
	}{
		{
			name: "join room",
			raw:  `{"event":"join-room","data":{"roomId":"channel-5"}}`,
			want: Inbound{Event: EventJoinRoom, Room: "channel-5"},
		},
		{
			name: "join server by numeric id",
			raw:  `{"event":"join-server","data":{"serverId":7}}`,
			want: Inbound{Event: EventJoinServer, Room: "server-7"},
		},
		{
			name: "join channel by bare id",
			raw:  `{"event":"join-channel","data":{"roomId":"5"}}`,
			want: Inbound{Event: EventJoinChannel, Room: "channel-5"},
		},
		{
			name: "leave channel by channelId",
			raw:  `{"event":"leave-channel","data":{"channelId":12}}`,
			want: Inbound{Event: EventLeaveChannel, Room: "channel-12"},
		},
		{
			name: "send message trims content and ignores identity",
			raw:  `{"event":"send-message","data":{"roomId":"channel-5","content":"  hi  ","userId":99,"identity":{"id":"x"}}}`,
			want: Inbound{Event: EventSendMessage, Room: "channel-5", Content: "hi"},
		},
		{
			name: "status update",
			raw:  `{"event":"status-update","data":{"status":"away","userId":"someone-else"}}`,
			want: Inbound{Event: EventStatusUpdate, Status: StatusAway},
		},
		{
			name: "typing start",
			raw:  `{"event":"typing-start","data":{"roomId":"channel-5"}}`,
			want: Inbound{Event: EventTypingStart, Room: "channel-5"},
		},
		{
			name: "disconnect without data",
			raw:  `{"event":"disconnect"}`,
			want: Inbound{Event: EventDisconnect},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeInboundMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":             `hello`,
		"missing event":        `{"data":{}}`,
		"unknown event":        `{"event":"explode"}`,
		"join without room":    `{"event":"join-room","data":{}}`,
		"join unqualified id":  `{"event":"join-room","data":{"roomId":"5"}}`,
		"payload not object":   `{"event":"join-room","data":[1,2]}`,
		"message to server":    `{"event":"send-message","data":{"roomId":"server-5","content":"hi"}}`,
		"message no content":   `{"event":"send-message","data":{"roomId":"channel-5"}}`,
		"message blank":        `{"event":"send-message","data":{"roomId":"channel-5","content":"   "}}`,
		"message too long":     `{"event":"send-message","data":{"roomId":"channel-5","content":"` + strings.Repeat("é", MaxContentLength+1) + `"}}`,
		"unknown status":       `{"event":"status-update","data":{"status":"sleeping"}}`,
		"typing without room":  `{"event":"typing-stop","data":{}}`,
		"typing in server":     `{"event":"typing-start","data":{"roomId":"server-5"}}`,
		"join channel server":  `{"event":"join-channel","data":{"roomId":"server-5"}}`,
		"join server channel":  `{"event":"join-server","data":{"serverId":"channel-5"}}`,
		"room id bad type":     `{"event":"join-room","data":{"roomId":true}}`,
		"room id bad contents": `{"event":"join-room","data":{"roomId":"channel-<script>"}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedEvent)
			assert.Equal(t, CodeMalformedEvent, CodeOf(err))
		})
	}
}

func TestDecodeInboundContentAtLimit(t *testing.T) {
	content := strings.Repeat("é", MaxContentLength)
	raw, err := json.Marshal(map[string]any{
		"event": EventSendMessage,
		"data":  map[string]any{"roomId": "channel-1", "content": content},
	})
	require.NoError(t, err)

	in, err := DecodeInbound(raw)
	require.NoError(t, err)
	assert.Equal(t, content, in.Content)
}

func TestErrorFrame(t *testing.T) {
	f := ErrorFrame(reject(ErrUnauthorized, EventJoinRoom, "channel-5", "not a member"))
	assert.Equal(t, EventError, f.Event)
	assert.Equal(t, DeliveryControl, f.Delivery)

	var env Envelope
	require.NoError(t, json.Unmarshal(f.Body, &env))
	payload := decode[ErrorPayload](t, env.Data)
	assert.Equal(t, ErrorPayload{
		Code:    CodeUnauthorized,
		Message: "not a member",
		Event:   EventJoinRoom,
		RoomID:  "channel-5",
	}, payload)

	f = ErrorFrame(errors.New("boom"))
	require.NoError(t, json.Unmarshal(f.Body, &env))
	assert.Equal(t, CodeInternal, decode[ErrorPayload](t, env.Data).Code)
}

func TestCodeOfWrapped(t *testing.T) {
	err := reject(ErrCollaboratorUnavailable, EventSendMessage, "channel-1", "db down")
	assert.Equal(t, CodeCollaboratorUnavailable, CodeOf(err))
	assert.Equal(t, CodeRateLimited, CodeOf(ErrRateLimited))
	assert.ErrorIs(t, err, ErrCollaboratorUnavailable)
	assert.Contains(t, err.Error(), "channel-1")
}
