package exporter

// Result is the outcome of one Export call. Diagnostic detail travels
// through the log side channel only.
type Result int

const (
	// Success means the batch was sent, or admitted to the
	// asynchronous pipeline, or was empty.
	Success Result = iota
	// Failure means the batch was not exported. The batch is not
	// retried by the exporter.
	Failure
)

// IsSuccess reports whether r is Success.
func (r Result) IsSuccess() bool {
	return r == Success
}

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failure:
		return "failure"
	}
	return "unknown"
}
