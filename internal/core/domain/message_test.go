package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		want    Message
		wantErr error
	}{
		{
			name: "register",
			env:  NewEnvelope("A1", MsgAgentRegister, RegisterMessage{Name: "box"}),
			want: RegisterMessage{Name: "box"},
		},
		{
			name: "register without payload",
			env:  Envelope{Type: MsgAgentRegister},
			want: RegisterMessage{},
		},
		{
			name: "heartbeat",
			env:  Envelope{AgentID: "A1", Type: MsgHeartbeat, Payload: json.RawMessage(`{"ignored":true}`)},
			want: HeartbeatMessage{},
		},
		{
			name: "completed result",
			env:  NewEnvelope("A1", MsgJobResult, JobResultMessage{JobID: "J1", Status: JobStatusCompleted, Data: json.RawMessage(`{"ok":1}`)}),
			want: JobResultMessage{JobID: "J1", Status: JobStatusCompleted, Data: json.RawMessage(`{"ok":1}`)},
		},
		{
			name:    "result without job id",
			env:     NewEnvelope("A1", MsgJobResult, JobResultMessage{Status: JobStatusFailed}),
			wantErr: ErrMalformedEnvelope,
		},
		{
			name:    "result with non-terminal status",
			env:     NewEnvelope("A1", MsgJobResult, JobResultMessage{JobID: "J1", Status: JobStatusAssigned}),
			wantErr: ErrMalformedEnvelope,
		},
		{
			name: "status offline",
			env:  NewEnvelope("A1", MsgAgentStatus, StatusMessage{Status: AgentStatusOffline}),
			want: StatusMessage{Status: AgentStatusOffline},
		},
		{
			name:    "status unknown",
			env:     NewEnvelope("A1", MsgAgentStatus, StatusMessage{Status: "busy"}),
			wantErr: ErrMalformedEnvelope,
		},
		{
			name:    "bad payload",
			env:     Envelope{AgentID: "A1", Type: MsgJobResult, Payload: json.RawMessage(`"nope"`)},
			wantErr: ErrMalformedEnvelope,
		},
		{
			name:    "outbound type",
			env:     Envelope{AgentID: "A1", Type: MsgJobAssigned},
			wantErr: ErrUnknownMessageType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage(tt.env)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.env.Type, TypeOf(got))
		})
	}
}

func TestEnvelope_WireShape(t *testing.T) {
	env := NewEnvelope("A1", MsgJobAssigned, JobAssignedPayload{JobID: "J1", Query: "q"})
	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"agentId":"A1","type":"JOB_ASSIGNED","payload":{"jobId":"J1","query":"q"}}`, string(data))

	bare := NewEnvelope("A1", MsgHeartbeat, nil)
	assert.Empty(t, bare.Payload)

	var p JobAssignedPayload
	require.NoError(t, Envelope{Payload: json.RawMessage("null")}.Decode(&p))
	assert.Empty(t, p.JobID)
}

func TestNewEnvelope_UnencodablePayload(t *testing.T) {
	env := NewEnvelope("A1", MsgJobResult, map[string]any{"bad": make(chan int)})
	assert.Equal(t, MsgError, env.Type)

	var p ErrorPayload
	require.NoError(t, env.Decode(&p))
	assert.Contains(t, p.Error, "encode JOB_RESULT")
}
