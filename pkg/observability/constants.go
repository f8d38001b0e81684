package observability

const (
	AttrRequestID     = "request.id"
	AttrTenantID      = "tenant.id"
	AttrQueryLength   = "query.length"
	AttrDataset       = "dataset"
	AttrRetriever     = "retriever"
	AttrResultCount   = "result.count"
	AttrEvidenceLevel = "evidence.level"
	AttrStrategy      = "crag.strategy"
	AttrLLMModel      = "llm.model"
	AttrDetectorName  = "detector.name"
	AttrErrorType     = "error.type"

	SpanRetrieve   = "pipeline.retrieve"
	SpanStage      = "pipeline.stage"
	SpanRetriever  = "pipeline.retriever"
	SpanLLMRequest = "llm.request"
	SpanReason     = "cograg.reason"
	SpanAgentRun   = "agent.run"
	SpanDetector   = "graphscan.detector"

	DefaultServiceName = "relator"
)
