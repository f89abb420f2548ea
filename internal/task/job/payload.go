package job

import (
	"bytes"
	"encoding/json"
)

// PayloadKind discriminates the Payload variants.
type PayloadKind string

const KindAgentTurn PayloadKind = "agent_turn"

func (k PayloadKind) Known() bool { return k == KindAgentTurn }

// Payload is what the agent receives when a job fires.
type Payload struct {
	kind PayloadKind

	// agent_turn
	Message string
	Deliver bool
	// Channel and To are optional routing hints for delivery.
	Channel string
	To      string

	raw json.RawMessage
}

// AgentTurn returns an agent_turn payload.
func AgentTurn(message string, deliver bool) Payload {
	return Payload{kind: KindAgentTurn, Message: message, Deliver: deliver}
}

func (p Payload) Kind() PayloadKind { return p.kind }

// Known reports whether the payload kind can be executed by this build.
func (p Payload) Known() bool { return p.kind.Known() }

func (p Payload) Clone() Payload {
	cp := p
	if p.raw != nil {
		cp.raw = append(json.RawMessage(nil), p.raw...)
	}
	return cp
}

type wirePayload struct {
	Kind    PayloadKind `json:"kind"`
	Message string      `json:"message"`
	Deliver bool        `json:"deliver"`
	Channel string      `json:"channel,omitempty"`
	To      string      `json:"to,omitempty"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if !p.kind.Known() && p.raw != nil {
		return p.raw, nil
	}
	return json.Marshal(wirePayload{
		Kind:    p.kind,
		Message: p.Message,
		Deliver: p.Deliver,
		Channel: p.Channel,
		To:      p.To,
	})
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	var head struct {
		Kind PayloadKind `json:"kind"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	if !head.Kind.Known() {
		var buf bytes.Buffer
		if err := json.Compact(&buf, b); err != nil {
			return err
		}
		*p = Payload{kind: head.Kind, raw: buf.Bytes()}
		return nil
	}
	var w wirePayload
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*p = Payload{kind: w.Kind, Message: w.Message, Deliver: w.Deliver, Channel: w.Channel, To: w.To}
	return nil
}
