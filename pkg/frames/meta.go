package frames

// Meta keys shared across transports, adapters and the relay.
const (
	MetaStreamID      = "stream_id"
	MetaCallSID       = "call_sid"
	MetaTraceID       = "trace_id"
	MetaSource        = "source"
	MetaIsFinal       = "is_final"
	MetaReason        = "reason"
	MetaEncoding      = "encoding"
	MetaFormat        = "format"
	MetaCallEndReason = "call_end_reason"
	MetaErrorCode     = "error_code"
)
