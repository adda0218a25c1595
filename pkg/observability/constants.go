package observability

const (
	AttrServiceName     = "service.name"
	AttrServiceVersion  = "service.version"
	AttrAgentName       = "agent.name"
	AttrAgentLLM        = "agent.llm"
	AttrToolName        = "tool.name"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrErrorType       = "error.type"
	AttrStatusCode      = "http.status_code"
	AttrRelayEventID    = "relay.event_id"

	SpanAgentCall     = "agent.call"
	SpanLLMRequest    = "agent.llm_request"
	SpanToolExecution = "agent.tool_execution"
	SpanMemoryLookup  = "agent.memory_lookup"

	SpanAgentRun     = "agent.run"
	SpanLLMCall      = "llm.call"
	SpanMemorySearch = "memory.search"
	SpanHTTPRequest  = "http.request"

	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"

	DefaultServiceName = "relay"

	DefaultSamplingRate = 1.0
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
)
