package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"

	ReasonTTSConnect ReasonCode = "tts_connect"
	ReasonTTSStream  ReasonCode = "tts_stream"
	ReasonTTSStatus  ReasonCode = "tts_status"

	ReasonLLMGenerate ReasonCode = "llm_generate"

	ReasonStoreAppend  ReasonCode = "store_append"
	ReasonStoreResolve ReasonCode = "store_resolve"

	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
)
