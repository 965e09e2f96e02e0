package gca

import (
	"encoding/json"
	"log/slog"
)

// handle dispatches one incoming Message and returns the response to
// send back, grounded on the host-guest agent's ping/exec/unknown
// dispatch table.
func handle(msg Message) Message {
	slog.Info("gca received message", "type", msg.Type, "id", msg.ID)

	switch msg.Type {
	case TypePing:
		return Message{Type: TypePong, ID: msg.ID, Payload: json.RawMessage("{}")}

	case TypeExec:
		var req ExecRequest
		if len(msg.Payload) > 0 {
			_ = json.Unmarshal(msg.Payload, &req)
		}
		result := runCommand(req.Command, req.TimeoutMs)
		payload, _ := json.Marshal(result)
		return Message{Type: TypeExecResult, ID: msg.ID, Payload: payload}

	default:
		payload, _ := json.Marshal(ErrorPayload{Message: "Unknown type: " + msg.Type})
		return Message{Type: TypeError, ID: msg.ID, Payload: payload}
	}
}
