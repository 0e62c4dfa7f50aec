package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTRetry       ReasonCode = "stt_retry_exhausted"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSend        ReasonCode = "tts_send"
	ReasonTTSRetry       ReasonCode = "tts_retry_exhausted"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonBackend          ReasonCode = "backend_error"
	ReasonBackendRateLimit ReasonCode = "backend_rate_limit"

	ReasonTool        ReasonCode = "tool_error"
	ReasonValidation  ReasonCode = "validation_error"
	ReasonNotFound    ReasonCode = "not_found"
	ReasonToolTimeout ReasonCode = "tool_timeout"

	ReasonTableStore ReasonCode = "table_store"
	ReasonMessaging  ReasonCode = "messaging"
	ReasonTransfer   ReasonCode = "call_transfer"

	ReasonTransport                 ReasonCode = "transport_error"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)
