package gojob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-callbacks/core"
)

const (
	JobIDDeliverPacket  = "callbacks.packet.deliver"
	JobIDOutboxDispatch = "callbacks.outbox.dispatch"

	// DedupPolicyDrop discards a second enqueue of the same packet id.
	DedupPolicyDrop = "drop"
)

const (
	paramPacketID  = "packet_id"
	paramTopic     = "topic"
	paramPayload   = "payload"
	paramCallback  = "callback"
	paramMethod    = "method"
	paramCreatedAt = "created_at"
	paramBatchSize = "batch_size"
)

// RetryPolicy bounds requeues for failed packet deliveries.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NackOptions builds the nack for a failed attempt. Attempts are 1-based.
func (p RetryPolicy) NackOptions(cause error, delay time.Duration, attempt int) queue.NackOptions {
	out := queue.NackOptions{Delay: delay, Requeue: true}
	if cause != nil {
		out.Reason = strings.TrimSpace(cause.Error())
	}
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		out.DeadLetter = p.DeadLetterOnMax
	}
	return out
}

// ToExecutionMessage maps a packet to a go-job delivery message. The packet
// id doubles as the idempotency key.
func ToExecutionMessage(packet core.Packet) *job.ExecutionMessage {
	params := map[string]any{
		paramPacketID: packet.ID,
		paramTopic:    packet.Topic,
		paramPayload:  packet.Payload,
	}
	if packet.Callback != "" {
		params[paramCallback] = packet.Callback
	}
	if packet.Method != "" {
		params[paramMethod] = packet.Method
	}
	if !packet.CreatedAt.IsZero() {
		params[paramCreatedAt] = packet.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return &job.ExecutionMessage{
		JobID:          JobIDDeliverPacket,
		ScriptPath:     JobIDDeliverPacket,
		Parameters:     params,
		IdempotencyKey: strings.TrimSpace(packet.ID),
		DedupPolicy:    job.DeduplicationPolicy(DedupPolicyDrop),
	}
}

// PacketFromExecutionMessage rebuilds a packet from a delivery message.
func PacketFromExecutionMessage(msg *job.ExecutionMessage) (core.Packet, error) {
	if msg == nil {
		return core.Packet{}, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDDeliverPacket {
		return core.Packet{}, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	packet := core.Packet{
		ID:       stringParam(msg.Parameters, paramPacketID),
		Topic:    stringParam(msg.Parameters, paramTopic),
		Payload:  msg.Parameters[paramPayload],
		Callback: stringParam(msg.Parameters, paramCallback),
		Method:   stringParam(msg.Parameters, paramMethod),
	}
	if packet.ID == "" {
		packet.ID = strings.TrimSpace(msg.IdempotencyKey)
	}
	if packet.Topic == "" {
		return core.Packet{}, fmt.Errorf("gojob: packet %q has no topic", packet.ID)
	}
	if raw := stringParam(msg.Parameters, paramCreatedAt); raw != "" {
		createdAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return core.Packet{}, fmt.Errorf("gojob: packet %q created_at: %w", packet.ID, err)
		}
		packet.CreatedAt = createdAt
	}
	return packet, nil
}

// OutboxDispatchMessage schedules one outbox drain.
func OutboxDispatchMessage(batchSize int) *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:      JobIDOutboxDispatch,
		ScriptPath: JobIDOutboxDispatch,
		Parameters: map[string]any{paramBatchSize: batchSize},
	}
}

// RunOutboxDispatch executes an outbox dispatch message against runner.
func RunOutboxDispatch(ctx context.Context, runner core.OutboxDispatcherRunner, msg *job.ExecutionMessage) (core.DispatchStats, error) {
	if runner == nil {
		return core.DispatchStats{}, fmt.Errorf("gojob: outbox dispatcher is required")
	}
	if msg == nil || strings.TrimSpace(msg.JobID) != JobIDOutboxDispatch {
		return core.DispatchStats{}, fmt.Errorf("gojob: outbox dispatch message is required")
	}
	return runner.DispatchPending(ctx, intParam(msg.Parameters, paramBatchSize))
}

// PacketSink publishes packets by enqueuing delivery jobs.
type PacketSink struct {
	enqueuer queue.Enqueuer
}

func NewPacketSink(enqueuer queue.Enqueuer) *PacketSink {
	return &PacketSink{enqueuer: enqueuer}
}

func (s *PacketSink) Publish(ctx context.Context, packet core.Packet) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if strings.TrimSpace(packet.ID) == "" {
		return fmt.Errorf("gojob: packet id is required")
	}
	return s.enqueuer.Enqueue(ctx, ToExecutionMessage(packet))
}

// DeliveryWorker drains delivery jobs into a packet sink. Attempts are
// counted per packet id for the lifetime of the worker.
type DeliveryWorker struct {
	dequeuer queue.Dequeuer
	sink     core.PacketSink
	policy   RetryPolicy
	backoff  time.Duration
	logger   glog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

type DeliveryWorkerOption func(*DeliveryWorker)

func WithRetryPolicy(policy RetryPolicy) DeliveryWorkerOption {
	return func(w *DeliveryWorker) { w.policy = policy }
}

// WithBackoff sets the requeue delay for failed deliveries.
func WithBackoff(delay time.Duration) DeliveryWorkerOption {
	return func(w *DeliveryWorker) { w.backoff = delay }
}

func WithLogger(logger glog.Logger) DeliveryWorkerOption {
	return func(w *DeliveryWorker) { w.logger = logger }
}

func NewDeliveryWorker(dequeuer queue.Dequeuer, sink core.PacketSink, opts ...DeliveryWorkerOption) *DeliveryWorker {
	w := &DeliveryWorker{
		dequeuer: dequeuer,
		sink:     sink,
		backoff:  time.Second,
		attempts: map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.logger = glog.Ensure(w.logger)
	return w
}

// ProcessNext handles a single delivery. Malformed messages are dead-lettered
// without touching the sink.
func (w *DeliveryWorker) ProcessNext(ctx context.Context) error {
	if w == nil || w.dequeuer == nil || w.sink == nil {
		return fmt.Errorf("gojob: delivery worker is not configured")
	}
	delivery, err := w.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}

	packet, err := PacketFromExecutionMessage(delivery.Message())
	if err != nil {
		w.logger.WithContext(ctx).Error("callback job rejected", "error", err)
		return delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: err.Error()})
	}

	if err := w.sink.Publish(ctx, packet); err != nil {
		attempt := w.recordAttempt(packet.ID)
		opts := w.policy.NackOptions(err, w.backoff, attempt)
		w.logger.WithContext(ctx).Warn("callback job delivery failed",
			"packet_id", packet.ID,
			"topic", packet.Topic,
			"attempt", attempt,
			"requeue", opts.Requeue,
			"error", err,
		)
		if !opts.Requeue {
			w.forget(packet.ID)
		}
		return delivery.Nack(ctx, opts)
	}

	w.forget(packet.ID)
	return delivery.Ack(ctx)
}

func (w *DeliveryWorker) recordAttempt(packetID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[packetID]++
	return w.attempts[packetID]
}

func (w *DeliveryWorker) forget(packetID string) {
	w.mu.Lock()
	delete(w.attempts, packetID)
	w.mu.Unlock()
}

// MetricsHook reports go-job worker events through a MetricsRecorder.
type MetricsHook struct {
	recorder core.MetricsRecorder
}

func NewMetricsHook(recorder core.MetricsRecorder) *MetricsHook {
	if recorder == nil {
		recorder = core.NopMetricsRecorder{}
	}
	return &MetricsHook{recorder: recorder}
}

func (h *MetricsHook) OnStart(ctx context.Context, event worker.Event) {
	h.count(ctx, "callbacks.job.started", event)
}

func (h *MetricsHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.count(ctx, "callbacks.job.succeeded", event)
	h.observe(ctx, event)
}

func (h *MetricsHook) OnFailure(ctx context.Context, event worker.Event) {
	h.count(ctx, "callbacks.job.failed", event)
	h.observe(ctx, event)
}

func (h *MetricsHook) OnRetry(ctx context.Context, event worker.Event) {
	h.count(ctx, "callbacks.job.retried", event)
}

func (h *MetricsHook) count(ctx context.Context, name string, event worker.Event) {
	if h == nil || h.recorder == nil {
		return
	}
	h.recorder.IncCounter(ctx, name, 1, eventTags(event))
}

func (h *MetricsHook) observe(ctx context.Context, event worker.Event) {
	if h == nil || h.recorder == nil || event.Duration <= 0 {
		return
	}
	h.recorder.ObserveHistogram(ctx, "callbacks.job.duration_ms", float64(event.Duration.Milliseconds()), eventTags(event))
}

func eventTags(event worker.Event) map[string]string {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	jobID := "unknown"
	if message != nil && strings.TrimSpace(message.JobID) != "" {
		jobID = strings.TrimSpace(message.JobID)
	}
	return map[string]string{"job_id": jobID}
}

func stringParam(params map[string]any, key string) string {
	value, ok := params[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func intParam(params map[string]any, key string) int {
	switch value := params[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	default:
		return 0
	}
}

var (
	_ core.PacketSink = (*PacketSink)(nil)
	_ worker.Hook     = (*MetricsHook)(nil)
)
