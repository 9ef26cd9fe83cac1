package router

import (
	"context"
	"sync"
	"time"

	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/pkg/apperrors"
	"github.com/FireDesk/firegate/internal/pkg/logger"
	"github.com/FireDesk/firegate/internal/pkg/metrics"
)

// Dispatcher is the boundary with the broker/terminal bridge: put a
// command on an endpoint's outbound channel and wait for the
// execution acknowledgement, the context deadline deciding how long.
type Dispatcher interface {
	Dispatch(ctx context.Context, endpoint model.Endpoint, cmd model.DispatchCommand) (model.ExecutionAck, error)
}

// ChannelDispatcher owns one buffered outbound channel per endpoint
// and a correlation-id table of pending acks. The bridge drains the
// channels and answers through Acknowledge.
type ChannelDispatcher struct {
	mu        sync.Mutex
	queues    map[string]chan model.DispatchCommand
	pending   map[string]chan model.ExecutionAck
	queueSize int
}

func NewChannelDispatcher(queueSize int) *ChannelDispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &ChannelDispatcher{
		queues:    make(map[string]chan model.DispatchCommand),
		pending:   make(map[string]chan model.ExecutionAck),
		queueSize: queueSize,
	}
}

func (d *ChannelDispatcher) Dispatch(ctx context.Context, endpoint model.Endpoint, cmd model.DispatchCommand) (model.ExecutionAck, error) {
	ackCh := make(chan model.ExecutionAck, 1)

	d.mu.Lock()
	queue, ok := d.queues[endpoint.ID]
	if !ok {
		queue = make(chan model.DispatchCommand, d.queueSize)
		d.queues[endpoint.ID] = queue
	}
	d.pending[cmd.CorrelationID] = ackCh
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, cmd.CorrelationID)
		d.mu.Unlock()
	}()

	start := time.Now()
	select {
	case queue <- cmd:
	default:
		// Queue is full right now; wait for space until the context
		// gives out.
		select {
		case queue <- cmd:
		case <-ctx.Done():
			return model.ExecutionAck{}, apperrors.Newf(apperrors.ErrBackendError,
				"could not enqueue to endpoint %s (queue full): %v", endpoint.ID, ctx.Err())
		}
	}

	select {
	case ack := <-ackCh:
		metrics.DispatchLatency.WithLabelValues(endpoint.ID).Observe(time.Since(start).Seconds())
		return ack, nil
	case <-ctx.Done():
		return model.ExecutionAck{}, apperrors.Newf(apperrors.ErrAckTimeout,
			"no execution ack from endpoint %s", endpoint.ID)
	}
}

// Acknowledge resolves a pending dispatch. Returns false for unknown
// or already-resolved correlation ids.
func (d *ChannelDispatcher) Acknowledge(ack model.ExecutionAck) bool {
	d.mu.Lock()
	ch, ok := d.pending[ack.CorrelationID]
	d.mu.Unlock()
	if !ok {
		logger.Warn("ack for unknown correlation id", "correlation_id", ack.CorrelationID)
		return false
	}
	select {
	case ch <- ack:
		return true
	default:
		return false
	}
}

// Commands exposes an endpoint's outbound channel to the bridge.
func (d *ChannelDispatcher) Commands(endpointID string) <-chan model.DispatchCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	queue, ok := d.queues[endpointID]
	if !ok {
		queue = make(chan model.DispatchCommand, d.queueSize)
		d.queues[endpointID] = queue
	}
	return queue
}
