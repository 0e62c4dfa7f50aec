package frames

// Meta keys shared across the pipeline. Values are always strings; structured
// payloads (tool arguments, tool results) are JSON-encoded before storage.
const (
	MetaStreamID = "stream_id"
	MetaCallSID  = "call_sid"
	MetaTraceID  = "trace_id"
	MetaSource   = "source"
	MetaReason   = "reason"
	MetaIsFinal  = "is_final"

	MetaToolCallID = "tool_call_id"
	MetaToolName   = "tool_name"
	MetaToolArgs   = "tool_args"
	MetaToolResult = "tool_result"
	MetaToolStatus = "tool_status"
	MetaToolError  = "tool_error"

	MetaGreetingText  = "greeting_text"
	MetaSystemMessage = "system_message"
	MetaTTSFlush      = "tts_flush"
	MetaTruncated     = "truncated"
	MetaCallEndReason = "call_end_reason"

	MetaNormalized        = "normalized"
	MetaShortTurnEnforced = "short_turn_enforced"
	MetaRepromptAttempt   = "reprompt_attempt"

	MetaEncoding    = "encoding"
	MetaFormat      = "format"
	MetaCodec       = "codec"
	MetaFromNumber  = "from_number"
	MetaDTMFDigit   = "dtmf_digit"
	MetaIdempotency = "idempotency_key"
	MetaOldStreamID = "old_stream_id"
)
