package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/flow"
	"github.com/BTreeMap/TriagePipe/internal/metrics"
	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/store"
)

// DefaultHandleTimeout bounds the handling of one inbound message.
const DefaultHandleTimeout = 60 * time.Second

// Inbound outcome labels.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
)

// Dispatcher reads inbound messages from a Service and hands them to a flow.
// Messages from the same sender are handled one at a time in arrival order;
// different senders are handled concurrently.
type Dispatcher struct {
	msgService    Service
	handler       flow.Handler
	dedup         store.DedupRepo
	metrics       *metrics.Recorder
	transport     string
	handleTimeout time.Duration

	mu     sync.Mutex
	queues map[string][]models.InboundMessage
	wg     sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDedup drops messages whose provider id was already seen.
func WithDedup(d store.DedupRepo) DispatcherOption {
	return func(dp *Dispatcher) { dp.dedup = d }
}

// WithDispatchMetrics sets the metrics recorder.
func WithDispatchMetrics(r *metrics.Recorder) DispatcherOption {
	return func(dp *Dispatcher) { dp.metrics = r }
}

// WithTransportName sets the transport label used in logs and metrics.
func WithTransportName(name string) DispatcherOption {
	return func(dp *Dispatcher) { dp.transport = name }
}

// WithHandleTimeout bounds the handling of a single message.
func WithHandleTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) { dp.handleTimeout = d }
}

// NewDispatcher creates a Dispatcher for the given service and handler.
func NewDispatcher(msgService Service, handler flow.Handler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		msgService:    msgService,
		handler:       handler,
		transport:     "unknown",
		handleTimeout: DefaultHandleTimeout,
		queues:        make(map[string][]models.InboundMessage),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch validates msg, drops duplicates and queues it behind earlier
// messages from the same sender. It does not wait for handling.
func (d *Dispatcher) Dispatch(ctx context.Context, msg models.InboundMessage) error {
	canonicalFrom, err := d.msgService.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		d.metrics.Inbound(d.transport, OutcomeInvalid)
		slog.Error("Dispatcher Dispatch validation failed", "error", err, "from", msg.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	msg.From = canonicalFrom
	if err := msg.Validate(); err != nil {
		d.metrics.Inbound(d.transport, OutcomeInvalid)
		slog.Warn("Dispatcher Dispatch invalid message", "error", err, "from", msg.From)
		return err
	}

	if d.dedup != nil && msg.ID != "" {
		fresh, err := d.dedup.RecordInbound(ctx, msg.ID, msg.From)
		if err != nil {
			slog.Error("Dispatcher dedup check failed, handling anyway", "error", err, "id", msg.ID)
		} else if !fresh {
			d.metrics.Inbound(d.transport, OutcomeDuplicate)
			slog.Info("Dispatcher dropping duplicate message", "id", msg.ID, "from", msg.From)
			return nil
		}
	}
	d.metrics.Inbound(d.transport, OutcomeAccepted)

	d.mu.Lock()
	queue, busy := d.queues[msg.From]
	d.queues[msg.From] = append(queue, msg)
	if !busy {
		d.wg.Add(1)
		go d.drain(ctx, msg.From)
	}
	d.mu.Unlock()

	slog.Debug("Dispatcher queued message", "from", msg.From, "queued", len(queue)+1)
	return nil
}

// drain handles the sender's queue until it is empty, then removes it.
func (d *Dispatcher) drain(ctx context.Context, from string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[from]
		if len(queue) == 0 {
			delete(d.queues, from)
			d.mu.Unlock()
			return
		}
		msg := queue[0]
		d.queues[from] = queue[1:]
		d.mu.Unlock()

		d.handle(ctx, msg)
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg models.InboundMessage) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.handleTimeout)
	defer cancel()
	if err := d.handler.Handle(hctx, msg); err != nil {
		slog.Error("Dispatcher failed to handle message", "error", err, "from", msg.From)
	}
}

// Start begins reading inbound messages from the service until its channel is
// closed or ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("Dispatcher starting", "transport", d.transport)

	go func() {
		defer slog.Info("Dispatcher stopped reading inbound messages")
		for {
			select {
			case msg, ok := <-d.msgService.Responses():
				if !ok {
					slog.Debug("Dispatcher responses channel closed")
					return
				}
				if err := d.Dispatch(ctx, msg); err != nil {
					slog.Error("Dispatcher failed to dispatch message", "error", err, "from", msg.From)
				}
			case <-ctx.Done():
				slog.Debug("Dispatcher stopping due to context cancellation")
				return
			}
		}
	}()
}

// Wait blocks until every queued message has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// QueuedSenders returns how many senders have messages waiting or in progress.
func (d *Dispatcher) QueuedSenders() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}
