package envelope

import buildv1 "google.golang.org/genproto/googleapis/devtools/build/v1"

// Result is the tri-state invocation outcome: unknown until the build tool
// submits a build-completing event, then succeeded or failed, never
// reverting.
type Result int

const (
	// ResultUnknown is the initial state, before any build-completing event
	// has been observed.
	ResultUnknown Result = iota
	// ResultSucceeded corresponds to an exit code of 0.
	ResultSucceeded
	// ResultFailed corresponds to any non-zero exit code.
	ResultFailed
)

// buildStatus renders the result as the wire BuildStatus envelope.
func (r Result) buildStatus() *buildv1.BuildStatus {
	switch r {
	case ResultSucceeded:
		return &buildv1.BuildStatus{Result: buildv1.BuildStatus_COMMAND_SUCCEEDED}
	case ResultFailed:
		return &buildv1.BuildStatus{Result: buildv1.BuildStatus_COMMAND_FAILED}
	default:
		return &buildv1.BuildStatus{Result: buildv1.BuildStatus_UNKNOWN_STATUS}
	}
}
