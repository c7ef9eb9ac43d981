package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"
	ReasonSTTStream  ReasonCode = "stt_stream"

	ReasonCopilotRequest   ReasonCode = "copilot_request"
	ReasonCopilotStatus    ReasonCode = "copilot_status"
	ReasonCopilotEmpty     ReasonCode = "copilot_empty"
	ReasonCopilotRateLimit ReasonCode = "copilot_rate_limit"

	ReasonFanoutSend   ReasonCode = "fanout_send"
	ReasonFanoutEncode ReasonCode = "fanout_encode"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonDialFailed                ReasonCode = "dial_failed"
)
