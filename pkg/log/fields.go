package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Stream
	FieldTopic     = "topic"
	FieldPartition = "partition"
	FieldOffset    = "offset"
	FieldGroupID   = "group_id"

	// Index store
	FieldIndex      = "index"
	FieldDocumentID = "doc_id"
	FieldBatchSize  = "batch_size"
	FieldAttempt    = "attempt"

	// Service
	FieldService = "service"
)
