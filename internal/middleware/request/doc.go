// Package request holds the outermost pipeline stage and the plain HTTP
// middleware that shape an inbound request before it reaches the pipeline.
//
// CorrelationStage assigns the correlation id every later stage, log record
// and audit event refers to. WithTimeout bounds the time a handler may run.
//
// Example usage:
//
//	stage := request.NewCorrelationStage(sink, redactor)
//	handler := request.WithTimeout(30 * time.Second)(mux)
package request
