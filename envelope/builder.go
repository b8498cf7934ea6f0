// Package envelope constructs the wire requests: lifecycle envelopes
// (build-enqueued, invocation-started/finished, build-finished) and stream
// envelopes (bazel-event, component-stream-finished), each carrying the
// right stream ID and sequence number. All constructors are pure functions
// of their arguments plus the Builder's internal atomic stream counter.
package envelope

import (
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	buildv1 "google.golang.org/genproto/googleapis/devtools/build/v1"
)

// lifecycle sub-phase sequence constants: lifecycle envelopes use sequence
// numbers {1,2} per sub-phase, kept as literals and deliberately not
// unified with the main stream counter since they number a logically
// separate stream.
const (
	lifecyclePhaseOne = 1
	lifecyclePhaseTwo = 2

	protocolName = "BEP"
)

// Builder holds the identifiers fixed for one transport instance's lifetime
// and the monotonic stream-sequence counter. A Builder is safe for
// concurrent use: NextSequenceNumber is the only mutable state and it is
// updated atomically.
type Builder struct {
	buildRequestID     string
	invocationID       string
	projectID          string
	commandName        string
	additionalKeywords map[string]string

	streamSeq atomic.Uint64
}

// Config carries the identifiers assigned to envelopes.
type Config struct {
	BuildRequestID     string
	InvocationID       string
	ProjectID          string
	CommandName        string
	AdditionalKeywords map[string]string
}

// NewBuilder constructs a Builder. The stream sequence counter starts such
// that the first call to NextSequenceNumber returns 1.
func NewBuilder(cfg Config) *Builder {
	return &Builder{
		buildRequestID:     cfg.BuildRequestID,
		invocationID:       cfg.InvocationID,
		projectID:          cfg.ProjectID,
		commandName:        cfg.CommandName,
		additionalKeywords: cfg.AdditionalKeywords,
	}
}

// NextSequenceNumber returns and increments the main-stream counter,
// starting at 1. Safe for concurrent use. The transport calls it inside its
// send-event critical section, and once more for the terminator at shutdown.
func (b *Builder) NextSequenceNumber() int64 {
	return int64(b.streamSeq.Add(1))
}

func (b *Builder) controllerStreamID() *buildv1.StreamId {
	return &buildv1.StreamId{
		BuildId:   b.buildRequestID,
		Component: buildv1.StreamId_CONTROLLER,
	}
}

func (b *Builder) controllerInvocationStreamID() *buildv1.StreamId {
	return &buildv1.StreamId{
		BuildId:      b.buildRequestID,
		InvocationId: b.invocationID,
		Component:    buildv1.StreamId_CONTROLLER,
	}
}

func (b *Builder) toolStreamID() *buildv1.StreamId {
	return &buildv1.StreamId{
		BuildId:      b.buildRequestID,
		InvocationId: b.invocationID,
		Component:    buildv1.StreamId_TOOL,
	}
}

func (b *Builder) lifecycleRequest(seq int64, streamID *buildv1.StreamId, t time.Time, inner isBuildEventKind) *buildv1.PublishLifecycleEventRequest {
	be := &buildv1.BuildEvent{EventTime: timestamppb.New(t)}
	inner.applyTo(be)
	return &buildv1.PublishLifecycleEventRequest{
		ProjectId:    b.projectID,
		ServiceLevel: buildv1.PublishLifecycleEventRequest_INTERACTIVE,
		BuildEvent: &buildv1.OrderedBuildEvent{
			SequenceNumber: seq,
			StreamId:       streamID,
			Event:          be,
		},
	}
}

// isBuildEventKind abstracts the oneof branches of buildv1.BuildEvent so
// lifecycleRequest/streamRequest can stay generic over which kind they embed.
type isBuildEventKind interface {
	applyTo(*buildv1.BuildEvent)
}

type buildEnqueuedKind struct{}

func (buildEnqueuedKind) applyTo(be *buildv1.BuildEvent) {
	be.Event = &buildv1.BuildEvent_BuildEnqueued_{BuildEnqueued: &buildv1.BuildEvent_BuildEnqueued{}}
}

type invocationStartedKind struct{}

func (invocationStartedKind) applyTo(be *buildv1.BuildEvent) {
	be.Event = &buildv1.BuildEvent_InvocationAttemptStarted_{
		InvocationAttemptStarted: &buildv1.BuildEvent_InvocationAttemptStarted{AttemptNumber: 1},
	}
}

type invocationFinishedKind struct{ result Result }

func (k invocationFinishedKind) applyTo(be *buildv1.BuildEvent) {
	be.Event = &buildv1.BuildEvent_InvocationAttemptFinished_{
		InvocationAttemptFinished: &buildv1.BuildEvent_InvocationAttemptFinished{InvocationStatus: k.result.buildStatus()},
	}
}

type buildFinishedKind struct{ result Result }

func (k buildFinishedKind) applyTo(be *buildv1.BuildEvent) {
	be.Event = &buildv1.BuildEvent_BuildFinished_{
		BuildFinished: &buildv1.BuildEvent_BuildFinished{Status: k.result.buildStatus()},
	}
}

// BuildEnqueued builds the first lifecycle envelope of the build.
func (b *Builder) BuildEnqueued(t time.Time) *buildv1.PublishLifecycleEventRequest {
	return b.lifecycleRequest(lifecyclePhaseOne, b.controllerStreamID(), t, buildEnqueuedKind{})
}

// InvocationStarted builds the second lifecycle envelope, scoped to this invocation.
func (b *Builder) InvocationStarted(t time.Time) *buildv1.PublishLifecycleEventRequest {
	return b.lifecycleRequest(lifecyclePhaseOne, b.controllerInvocationStreamID(), t, invocationStartedKind{})
}

// InvocationFinished builds the penultimate lifecycle envelope.
func (b *Builder) InvocationFinished(t time.Time, result Result) *buildv1.PublishLifecycleEventRequest {
	return b.lifecycleRequest(lifecyclePhaseTwo, b.controllerInvocationStreamID(), t, invocationFinishedKind{result: result})
}

// BuildFinished builds the final lifecycle envelope.
func (b *Builder) BuildFinished(t time.Time, result Result) *buildv1.PublishLifecycleEventRequest {
	return b.lifecycleRequest(lifecyclePhaseTwo, b.controllerStreamID(), t, buildFinishedKind{result: result})
}

// BazelEvent builds a stream envelope wrapping an already-serialized build
// tool event. On n == 1 it embeds the notification keywords
// {command_name, protocol_name=BEP} ∪ additional.
func (b *Builder) BazelEvent(n int64, t time.Time, packed *anypb.Any) *buildv1.PublishBuildToolEventStreamRequest {
	req := &buildv1.PublishBuildToolEventStreamRequest{
		OrderedBuildEvent: &buildv1.OrderedBuildEvent{
			SequenceNumber: n,
			StreamId:       b.toolStreamID(),
			Event: &buildv1.BuildEvent{
				EventTime: timestamppb.New(t),
				Event:     &buildv1.BuildEvent_BazelEvent{BazelEvent: packed},
			},
		},
	}
	if n == 1 {
		req.NotificationKeywords = b.notificationKeywords()
	}
	return req
}

// StreamFinished builds the terminal stream envelope that tells the
// collector no more events follow on this stream.
func (b *Builder) StreamFinished(n int64, t time.Time) *buildv1.PublishBuildToolEventStreamRequest {
	return &buildv1.PublishBuildToolEventStreamRequest{
		OrderedBuildEvent: &buildv1.OrderedBuildEvent{
			SequenceNumber: n,
			StreamId:       b.toolStreamID(),
			Event: &buildv1.BuildEvent{
				EventTime: timestamppb.New(t),
				Event: &buildv1.BuildEvent_ComponentStreamFinished_{
					ComponentStreamFinished: &buildv1.BuildEvent_ComponentStreamFinished{
						Type: buildv1.BuildEvent_ComponentStreamFinished_FINISHED,
					},
				},
			},
		},
	}
}

func (b *Builder) notificationKeywords() []string {
	kws := make([]string, 0, 2+len(b.additionalKeywords))
	kws = append(kws, "command_name="+b.commandName, "protocol_name="+protocolName)
	for k, v := range b.additionalKeywords {
		kws = append(kws, k+"="+v)
	}
	return kws
}
