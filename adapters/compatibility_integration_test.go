package adapters_test

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-command"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-callbacks/adapters/gocommand"
	"github.com/goliatone/go-callbacks/adapters/gojob"
	"github.com/goliatone/go-callbacks/adapters/gologger"
	callbackcommand "github.com/goliatone/go-callbacks/command"
	"github.com/goliatone/go-callbacks/core"
	"github.com/goliatone/go-callbacks/transport"
)

func TestRuntimeCompatibility_CommandToJobToPublisher(t *testing.T) {
	ctx := context.Background()

	_, logger, jobProvider, jobLogger := gologger.ResolveForJob("callbacks", &compatProvider{logger: compatLogger{}}, nil)
	if jobProvider == nil || jobLogger == nil {
		t.Fatalf("expected go-job logger bridges")
	}

	registry := core.NewMetadataRegistry()
	key := core.MetadataKey{Controller: "PetController", Handler: "create"}
	registry.MustRegister(key, core.CallbackMetadata{CallbackObject: core.CallbackObject{
		Name:       "petCreated",
		Expression: "{$request.body#/callbackUrl}/pets",
		Method:     "post",
	}})

	jobs := &compatQueue{}
	svc, err := core.NewService(core.Config{},
		core.WithLogger(logger),
		core.WithMetadataSource(registry),
		core.WithPacketSink(gojob.NewPacketSink(jobs)),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	adapter := gocommand.NewRegistryAdapter(command.NewRegistry())
	subs, err := gocommand.RegisterCallbackHandlers(adapter, gocommand.Dependencies{Service: svc, Logger: logger})
	if err != nil {
		t.Fatalf("register callback handlers: %v", err)
	}
	defer subs.Unsubscribe()
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize command registry: %v", err)
	}

	exchange := core.Exchange{
		Key: key,
		Request: core.ExchangeRequest{
			URL:    "https://api.example.com/pets",
			Method: "POST",
			Body:   map[string]any{"callbackUrl": "https://hooks.example.com"},
		},
		Response: core.ExchangeResponse{
			StatusCode:  201,
			ContentType: "application/json",
			Body:        []byte(`{"id":"p1"}`),
		},
	}
	if err := gocommand.Dispatch(ctx, callbackcommand.HandleExchangeMessage{Exchange: exchange}); err != nil {
		t.Fatalf("dispatch handle exchange: %v", err)
	}
	if len(jobs.pending) != 1 || jobs.pending[0].JobID != gojob.JobIDDeliverPacket {
		t.Fatalf("expected one delivery job, got %#v", jobs.pending)
	}

	publisher := transport.NewMemoryPublisher()
	worker := gojob.NewDeliveryWorker(jobs, publisher, gojob.WithLogger(logger))
	if err := worker.ProcessNext(ctx); err != nil {
		t.Fatalf("process delivery job: %v", err)
	}
	delivered := publisher.Packets("https://hooks.example.com/pets")
	if len(delivered) != 1 || delivered[0].Callback != "petCreated" || delivered[0].Method != "POST" {
		t.Fatalf("expected delivered packet, got %#v", delivered)
	}
	if jobs.acked != 1 {
		t.Fatalf("expected delivery ack, got %d", jobs.acked)
	}
}

func TestRuntimeCompatibility_QueueResolverMirrorsCallbackCommands(t *testing.T) {
	queueRegistry := jobqueuecommand.NewRegistry()
	adapter := gocommand.NewRegistryAdapter(command.NewRegistry())
	if err := adapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	subs, err := gocommand.RegisterCallbackHandlers(adapter, gocommand.Dependencies{Outbox: compatRunner{}})
	if err != nil {
		t.Fatalf("register callback handlers: %v", err)
	}
	defer subs.Unsubscribe()
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize command registry: %v", err)
	}
	if _, ok := queueRegistry.Get(callbackcommand.TypeDispatchOutbox); !ok {
		t.Fatalf("expected outbox dispatch command mirrored into go-job queue registry")
	}
}

// compatQueue is an in-memory enqueuer and dequeuer pair.
type compatQueue struct {
	pending []*job.ExecutionMessage
	acked   int
}

func (q *compatQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	q.pending = append(q.pending, msg)
	return nil
}

func (q *compatQueue) Dequeue(context.Context) (queue.Delivery, error) {
	if len(q.pending) == 0 {
		return nil, errors.New("queue empty")
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	return &compatDelivery{queue: q, msg: next}, nil
}

type compatDelivery struct {
	queue *compatQueue
	msg   *job.ExecutionMessage
}

func (d *compatDelivery) Message() *job.ExecutionMessage { return d.msg }

func (d *compatDelivery) Ack(context.Context) error {
	d.queue.acked++
	return nil
}

func (d *compatDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	if opts.Requeue {
		d.queue.pending = append(d.queue.pending, d.msg)
	}
	return nil
}

type compatRunner struct{}

func (compatRunner) DispatchPending(context.Context, int) (core.DispatchStats, error) {
	return core.DispatchStats{}, nil
}

type compatProvider struct {
	logger glog.Logger
}

func (p *compatProvider) GetLogger(string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	return p.logger
}

type compatLogger struct{}

func (compatLogger) Trace(string, ...any)                    {}
func (compatLogger) Debug(string, ...any)                    {}
func (compatLogger) Info(string, ...any)                     {}
func (compatLogger) Warn(string, ...any)                     {}
func (compatLogger) Error(string, ...any)                    {}
func (compatLogger) Fatal(string, ...any)                    {}
func (compatLogger) WithContext(context.Context) glog.Logger { return compatLogger{} }
