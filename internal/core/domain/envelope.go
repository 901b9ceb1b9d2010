package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags an Envelope on the agent wire.
type MessageType string

// Inbound, agent to coordinator.
const (
	MsgAgentRegister MessageType = "AGENT_REGISTER"
	MsgJobResult     MessageType = "JOB_RESULT"
	MsgAgentStatus   MessageType = "AGENT_STATUS"
	MsgHeartbeat     MessageType = "HEARTBEAT"
)

// Outbound, coordinator to agent.
const (
	MsgAgentRegistered   MessageType = "AGENT_REGISTERED"
	MsgHeartbeatAck      MessageType = "HEARTBEAT_ACK"
	MsgJobResultReceived MessageType = "JOB_RESULT_RECEIVED"
	MsgStatusAck         MessageType = "STATUS_ACK"
	MsgJobAssigned       MessageType = "JOB_ASSIGNED"
	MsgJobCancelled      MessageType = "JOB_CANCELLED"
	MsgConnected         MessageType = "CONNECTED"
	MsgError             MessageType = "ERROR"
)

// Envelope is the transport-neutral unit exchanged with agents, whether they
// hold a websocket or poll over HTTP.
type Envelope struct {
	AgentID string          `json:"agentId"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope addressed to agentID.
func NewEnvelope(agentID string, t MessageType, payload any) Envelope {
	env := Envelope{AgentID: agentID, Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			data, _ = json.Marshal(ErrorPayload{Error: fmt.Sprintf("encode %s: %v", t, err)})
			env.Type = MsgError
		}
		env.Payload = data
	}
	return env
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

// Outbound payloads.

type RegisteredPayload struct {
	AgentID  string `json:"agentId"`
	ServerID string `json:"serverId"`
	Message  string `json:"message"`
}

type HeartbeatAckPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Result acknowledgement outcomes.
const (
	ResultReceived        = "received"
	ResultAlreadyResolved = "already_resolved"
	ResultIgnored         = "ignored"
)

type ResultAckPayload struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type JobAssignedPayload struct {
	JobID   string          `json:"jobId"`
	Query   string          `json:"query"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Cancellation reasons.
const (
	CancelCompletedByOther = "completed_by_other"
	CancelAlreadyCompleted = "already_completed"
	CancelJobDeleted       = "job_deleted"
)

type JobCancelledPayload struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason"`
}

type StatusAckPayload struct {
	Status AgentStatus `json:"status"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
}

// Millis converts t to epoch milliseconds as used on the agent wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
