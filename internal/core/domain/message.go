package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is the closed set of inbound agent messages. Only the types in this
// file implement it; callers match with a type switch.
type Message interface {
	messageType() MessageType
}

type RegisterMessage struct {
	Name         string          `json:"name,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

type JobResultMessage struct {
	JobID  string          `json:"jobId"`
	Status JobStatus       `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type StatusMessage struct {
	Status       AgentStatus     `json:"status,omitempty"`
	Name         string          `json:"name,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

type HeartbeatMessage struct{}

func (RegisterMessage) messageType() MessageType  { return MsgAgentRegister }
func (JobResultMessage) messageType() MessageType { return MsgJobResult }
func (StatusMessage) messageType() MessageType    { return MsgAgentStatus }
func (HeartbeatMessage) messageType() MessageType { return MsgHeartbeat }

// TypeOf returns the wire tag for m.
func TypeOf(m Message) MessageType {
	return m.messageType()
}

// DecodeMessage turns an inbound envelope into its typed variant.
func DecodeMessage(env Envelope) (Message, error) {
	switch env.Type {
	case MsgAgentRegister:
		var m RegisterMessage
		if err := env.Decode(&m); err != nil {
			return nil, err
		}
		return m, nil
	case MsgJobResult:
		var m JobResultMessage
		if err := env.Decode(&m); err != nil {
			return nil, err
		}
		return m, m.validate()
	case MsgAgentStatus:
		var m StatusMessage
		if err := env.Decode(&m); err != nil {
			return nil, err
		}
		if m.Status != "" && m.Status != AgentStatusOnline && m.Status != AgentStatusOffline {
			return nil, fmt.Errorf("%w: agent status %q", ErrMalformedEnvelope, m.Status)
		}
		return m, nil
	case MsgHeartbeat:
		return HeartbeatMessage{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

func (m JobResultMessage) validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("%w: jobId is required", ErrMalformedEnvelope)
	}
	if m.Status != JobStatusCompleted && m.Status != JobStatusFailed {
		return fmt.Errorf("%w: result status %q", ErrMalformedEnvelope, m.Status)
	}
	return nil
}
