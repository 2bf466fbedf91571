package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sillymd/hub/internal/models"
	"github.com/sillymd/hub/internal/observability"
	"github.com/sillymd/hub/internal/realtime"
)

// dispatchTimeout bounds one background delivery including the retry ladder.
const dispatchTimeout = 5 * time.Minute

// TenantCounter bumps per-tenant request counters.
type TenantCounter interface {
	IncrementRequestCount(ctx context.Context, id uuid.UUID) error
}

// PushSender delivers a text message through a tenant's enterprise push app.
type PushSender interface {
	SendText(ctx context.Context, cfg *models.PushConfig, content string) error
}

// DispatchTask is one admitted event handed to the background dispatcher.
type DispatchTask struct {
	Record *models.WebhookRecord
	Tenant *models.Tenant

	// Decode is the provider decode result, nil for plain ingest.
	Decode *DecodeResult
	// TargetDevice routes the event to a realtime subscriber when set.
	TargetDevice string
}

// Dispatcher fans admitted events out to their delivery paths: a best-effort
// realtime publish to subscriber devices plus either an enterprise push or a
// signed forward to the tenant's callback URL. Delivery runs detached from
// the inbound request; concurrency is bounded by a semaphore.
type Dispatcher struct {
	tenants   TenantCounter
	records   RecordsStore
	forwarder *Forwarder
	push      PushSender
	realtime  realtime.Publisher
	metrics   observability.RelayMetrics

	sem chan struct{}
}

// NewDispatcher creates a dispatcher. push and rt may be nil when the
// corresponding path is not configured; those paths then fall through.
func NewDispatcher(
	tenants TenantCounter,
	records RecordsStore,
	forwarder *Forwarder,
	push PushSender,
	rt realtime.Publisher,
	maxConcurrent int,
	metrics observability.RelayMetrics,
) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}

	return &Dispatcher{
		tenants:   tenants,
		records:   records,
		forwarder: forwarder,
		push:      push,
		realtime:  rt,
		metrics:   metrics,
		sem:       make(chan struct{}, maxConcurrent),
	}
}

// Dispatch schedules delivery of one admitted event. It blocks only while the
// dispatcher is at its concurrency cap, never on the delivery itself.
func (d *Dispatcher) Dispatch(task DispatchTask) {
	d.sem <- struct{}{}

	go func() {
		defer func() { <-d.sem }()

		// Detached from the request context: the caller has already responded.
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()

		d.deliver(ctx, task)
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, task DispatchTask) {
	if err := d.tenants.IncrementRequestCount(ctx, task.Tenant.ID); err != nil {
		slog.ErrorContext(ctx, "Failed to increment tenant request count",
			"tenant_id", task.Tenant.ID, "error", err)
	}

	decoded := task.Decode != nil && task.Decode.Decrypted

	// Realtime fan-out runs in addition to push/forward, never instead of
	// them. It is at-most-once best-effort; nothing it does touches the
	// record's forward fields.
	switch {
	case decoded:
		d.publishToDevices(ctx, task, task.Tenant.ReplyDevices())
	case task.TargetDevice != "":
		d.publishToDevices(ctx, task, []string{task.TargetDevice})
	}

	body := task.Record.Body
	if decoded {
		body = task.Decode.Plaintext
	}

	switch {
	case !decoded && task.Tenant.Push != nil && d.push != nil:
		// Enterprise push replaces the plain forward. Decoded provider
		// events always take the forward path so the plaintext reaches the
		// tenant's own endpoint.
		d.deliverPush(ctx, task)
	case task.Tenant.CallbackURL != "":
		d.forwarder.ForwardAndPersist(ctx, task.Record.ID,
			task.Tenant.CallbackURL, task.Tenant.SigningSecret,
			body, task.Record.Headers)
	case decoded || task.TargetDevice != "":
		// Realtime-only delivery; the record keeps its pending state.
	default:
		d.persistOutcome(ctx, task.Record.ID, models.DeliveryOutcome{
			Snippet: "no delivery target configured",
		})
	}
}

// deliverPush sends through the tenant's enterprise push app. Failures are
// logged and counted, never written to the record's forward fields.
func (d *Dispatcher) deliverPush(ctx context.Context, task DispatchTask) {
	start := time.Now()
	err := d.push.SendText(ctx, task.Tenant.Push, task.Record.Body)

	if d.metrics != nil {
		d.metrics.RecordDelivery(ctx, "push", errOutcomeLabel(err), time.Since(start))
	}

	if err != nil {
		slog.ErrorContext(ctx, "Enterprise push failed",
			"tenant_id", task.Tenant.ID, "error", err)
		return
	}

	slog.InfoContext(ctx, "Enterprise push sent",
		"tenant_id", task.Tenant.ID, "record_id", task.Record.ID)
}

// publishToDevices pushes the event to each device channel and returns how
// many publishes succeeded.
func (d *Dispatcher) publishToDevices(ctx context.Context, task DispatchTask, devices []string) int {
	if d.realtime == nil {
		return 0
	}

	event := realtime.Event{
		TenantID:  task.Tenant.ID.String(),
		Kind:      "raw",
		Content:   task.Record.Body,
		Timestamp: time.Now().Unix(),
	}
	if task.Decode != nil && task.Decode.Decrypted {
		event.Content = task.Decode.Plaintext
		if task.Decode.Event != nil && task.Decode.Event.MsgType != "" {
			event.Kind = task.Decode.Event.MsgType
		}
	}

	published := 0
	for _, device := range devices {
		event.Device = device

		start := time.Now()
		err := d.realtime.Publish(ctx, task.Tenant.AccountID, device, event)

		if d.metrics != nil {
			d.metrics.RecordDelivery(ctx, "realtime", errOutcomeLabel(err), time.Since(start))
		}

		if err != nil {
			slog.ErrorContext(ctx, "Failed to publish realtime event",
				"tenant_id", task.Tenant.ID, "device", device, "error", err)
			continue
		}
		published++
	}

	return published
}

func (d *Dispatcher) persistOutcome(ctx context.Context, recordID uuid.UUID, outcome models.DeliveryOutcome) {
	if err := d.records.UpdateOutcome(ctx, recordID, outcome); err != nil {
		slog.ErrorContext(ctx, "Failed to persist delivery outcome",
			"record_id", recordID, "error", err)
	}
}

func errOutcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "delivered"
}
