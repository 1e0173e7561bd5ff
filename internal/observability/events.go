package observability

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// MessageEvent is published for every message that reaches a terminal
// success state.
func MessageEvent(op string, messageID, fromUserID int, toUserID, groupID *int) EventEnvelope {
	return EventEnvelope{
		EventType: "message_events",
		EventName: "message_" + op,
		Payload: map[string]interface{}{
			"message_id":   messageID,
			"from_user_id": fromUserID,
			"to_user_id":   toUserID,
			"group_id":     groupID,
		},
	}
}
