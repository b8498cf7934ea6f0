// Command demo wires the transport façade end to end against a dialed gRPC
// collector, as a worked example of the integration points a build tool
// must supply: an EventAdapter for its own event representation and a
// Reporter for surfacing the user-visible messages.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/bes-go/bes-transport/artifact"
	"github.com/bes-go/bes-transport/record"
	"github.com/bes-go/bes-transport/retry"
	"github.com/bes-go/bes-transport/transport"
	"github.com/bes-go/bes-transport/wire"
)

// demoEvent is a stand-in for whatever event type a real build tool would
// pass to SendEvent: a label, an optional exit code, and local files it
// wants co-uploaded as artifacts.
type demoEvent struct {
	label        string
	exitCode     int
	isCompleting bool
	files        []string
}

type demoAdapter struct{}

func (demoAdapter) LocalPaths(event any) []string {
	e := event.(*demoEvent)
	return e.files
}

func (demoAdapter) Serialize(event any, conv record.PathConverter) (*anypb.Any, error) {
	e := event.(*demoEvent)
	msg := fmt.Sprintf("event:%s", e.label)
	for _, f := range e.files {
		if ref, ok := conv(f); ok {
			msg += fmt.Sprintf(" %s=%s", f, ref)
		}
	}
	return anypb.New(wrapperspb.String(msg))
}

func (demoAdapter) CompletingExitCode(event any) (int, bool) {
	e := event.(*demoEvent)
	return e.exitCode, e.isCompleting
}

type consoleReporter struct{}

func (consoleReporter) Report(msg string) { fmt.Println(msg) }

type noopUploadBackend struct{}

func (noopUploadBackend) Upload(ctx context.Context, localPath string) (string, error) {
	return "uploaded://" + localPath, nil
}

func main() {
	addr := os.Getenv("BES_BACKEND_ADDR")
	if addr == "" {
		addr = "localhost:8080"
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial %s: %v", addr, err)
	}
	client := wire.NewGRPCClient(conn)

	cfg := transport.Config{
		ProjectID:              "demo-project",
		BuildRequestID:         uuid.NewString(),
		InvocationID:           uuid.NewString(),
		CommandName:            "build",
		UploadTimeout:          2 * time.Minute,
		PublishLifecycleEvents: true,
		BESResultsURL:          "https://bes.example.com/invocation/demo",
		RetryConfig:            retry.DefaultConfig(),
	}

	t := transport.New(cfg, client, noopUploadBackend{}, demoAdapter{}, consoleReporter{})

	ctx := context.Background()
	t.SendEvent(ctx, &demoEvent{label: "started"})
	t.SendEvent(ctx, &demoEvent{label: "progress", files: []string{"/tmp/demo-output.log"}})
	t.SendEvent(ctx, &demoEvent{label: "finished", exitCode: 0, isCompleting: true})

	if err := t.Close(ctx); err != nil {
		log.Fatalf("bes upload did not finish cleanly: %v", err)
	}
}
