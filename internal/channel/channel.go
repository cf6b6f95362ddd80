// internal/channel/channel.go
//
// Package channel composes a stream, a transport and, for BACnet, a
// correlation engine into one addressable device channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rtu-gateway/internal/bacnet"
	"rtu-gateway/internal/correlation"
	"rtu-gateway/internal/frame"
	"rtu-gateway/internal/model"
	"rtu-gateway/internal/rtuerr"
	"rtu-gateway/internal/stream"
	"rtu-gateway/internal/transport"
	"rtu-gateway/internal/utils"
)

// Channel is one open stream speaking one wire protocol
type Channel struct {
	id        string
	protocol  model.WireProtocol
	stream    stream.Stream
	transport *transport.Transport
	engine    *correlation.Engine
	opts      Options
	publish   func(model.GatewayEvent)
	logger    *utils.ChannelLogger
	openedAt  time.Time

	mu     sync.RWMutex
	status model.ChannelStatus
	err    error
}

func newChannel(id string, protocol model.WireProtocol, s stream.Stream, opts Options, publish func(model.GatewayEvent), logger *zap.Logger) (*Channel, error) {
	framer, err := newFramer(protocol, opts)
	if err != nil {
		return nil, err
	}
	if publish == nil {
		publish = func(model.GatewayEvent) {}
	}

	c := &Channel{
		id:       id,
		protocol: protocol,
		stream:   s,
		opts:     opts,
		publish:  publish,
		logger:   utils.NewChannelLogger(logger, id, string(protocol), s.RemoteAddr()),
		openedAt: time.Now(),
		status:   model.ChannelStatusOpen,
	}

	c.transport, err = transport.New(s, framer, c.onTransportEvent, opts.Transport, c.logger.Logger)
	if err != nil {
		return nil, err
	}
	if protocol == model.ProtocolBACnet {
		c.engine = correlation.NewEngine(c.transport, correlation.Options{
			DefaultTimeout: opts.RequestTimeout,
			OnEvent:        c.onCorrelationEvent,
		}, c.logger.Logger)
	}
	return c, nil
}

// start launches the inbound loop and a watcher that records its end
func (c *Channel) start(ctx context.Context) {
	c.transport.Start(ctx)
	c.publish(model.NewGatewayEvent(model.EventChannelOpened, c.id))
	c.logger.LogConnection("open", true, nil)

	go func() {
		<-c.transport.Done()
		err := c.transport.Err()
		c.mu.Lock()
		if err != nil {
			c.status, c.err = model.ChannelStatusFailed, err
		} else if c.status == model.ChannelStatusOpen {
			c.status = model.ChannelStatusClosed
		}
		c.mu.Unlock()

		if c.engine != nil {
			if err == nil {
				err = fmt.Errorf("channel %s: %w", c.id, rtuerr.ErrClosed)
			}
			c.engine.FailAll(err)
		}
		ev := model.NewGatewayEvent(model.EventChannelClosed, c.id)
		if c.transport.Err() != nil {
			ev.Reason = c.transport.Err().Error()
		}
		c.publish(ev)
	}()
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) Protocol() model.WireProtocol { return c.protocol }

// Status returns the lifecycle state and the stream error if it failed
func (c *Channel) Status() (model.ChannelStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status, c.err
}

// Done is closed once the inbound loop has stopped
func (c *Channel) Done() <-chan struct{} { return c.transport.Done() }

// Info summarizes the channel for the management API
func (c *Channel) Info() model.ChannelInfo {
	status, err := c.Status()
	ss := c.stream.Stats()
	ts := c.transport.Stats()

	info := model.ChannelInfo{
		ID:             c.id,
		ConnectionType: c.stream.Kind(),
		Protocol:       c.protocol,
		Remote:         c.stream.RemoteAddr(),
		Status:         status,
		OpenedAt:       c.openedAt,
		Stats: model.ChannelStats{
			BytesWritten:   ss.BytesWritten,
			BytesRead:      ss.BytesRead,
			FramesSent:     ts.FramesSent,
			FramesReceived: ts.FramesReceived,
			CorruptFrames:  ts.CorruptFrames,
			BytesDiscarded: ts.BytesDiscarded,
			LastActivity:   ss.LastActivity,
		},
	}
	if err != nil {
		info.Error = err.Error()
	}
	if c.engine != nil {
		es := c.engine.Stats()
		info.Stats.PendingRequests = es.Pending
		info.Stats.LateEvents = es.LateEvents
	}
	return info
}

// Send writes an already encoded frame
func (c *Channel) Send(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	return c.transport.Send(ctx, data)
}

// SendMeter encodes and sends a meter frame and returns the wire bytes
func (c *Channel) SendMeter(ctx context.Context, f frame.MeterFrame) ([]byte, error) {
	if c.protocol != model.ProtocolMeter {
		return nil, fmt.Errorf("meter frame on %s channel: %w", c.protocol, ErrWrongProtocol)
	}
	wire, err := frame.EncodeMeter(f)
	if err != nil {
		return nil, err
	}
	return wire, c.Send(ctx, wire)
}

// SendHeader encodes and sends a fixed-header frame and returns the wire bytes
func (c *Channel) SendHeader(ctx context.Context, f frame.HeaderFrame) ([]byte, error) {
	if c.protocol != model.ProtocolHeader {
		return nil, fmt.Errorf("header frame on %s channel: %w", c.protocol, ErrWrongProtocol)
	}
	if f.Version == 0 {
		f.Version = c.opts.HeaderVersion
	}
	wire, err := frame.EncodeHeader(f, c.opts.ByteOrder)
	if err != nil {
		return nil, err
	}
	return wire, c.Send(ctx, wire)
}

// Request sends a BACnet confirmed request and waits for its reply. The
// invoke id is allocated here; a failed send is retried up to MaxResends
// times, a missing reply is not.
func (c *Channel) Request(ctx context.Context, a bacnet.APDU, timeout time.Duration) ([]byte, error) {
	if c.engine == nil {
		return nil, fmt.Errorf("confirmed request on %s channel: %w", c.protocol, ErrWrongProtocol)
	}
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}
	a.Type = bacnet.PDUConfirmedRequest

	start := time.Now()
	r, err := c.engine.RegisterNext(c.peer(), timeout, func(id uint8) ([]byte, error) {
		a.InvokeID = id
		return bacnet.EncodeMessage(a)
	})
	if err != nil {
		return nil, err
	}

	err = c.Send(ctx, r.Frame())
	for attempt := 0; err != nil && attempt < c.opts.MaxResends; attempt++ {
		if errors.Is(err, rtuerr.ErrClosed) || ctx.Err() != nil {
			break
		}
		c.logger.Warn("Request send failed, resending",
			zap.Uint8("invoke_id", r.InvokeID()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-time.After(c.opts.ResendDelay):
		case <-ctx.Done():
		}
		sendCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
		err = c.engine.Resend(sendCtx, r)
		cancel()
	}
	if err != nil {
		c.engine.Fail(r, err)
		c.logger.LogRequest(r.InvokeID(), time.Since(start), err)
		return nil, err
	}

	payload, err := c.engine.Wait(ctx, r, timeout)
	c.logger.LogRequest(r.InvokeID(), time.Since(start), err)
	return payload, err
}

// Close stops the channel and fails its pending requests
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.status == model.ChannelStatusOpen {
		c.status = model.ChannelStatusClosed
	}
	c.mu.Unlock()

	err := c.transport.Close()
	if c.engine != nil {
		c.engine.FailAll(fmt.Errorf("channel %s: %w", c.id, rtuerr.ErrClosed))
	}
	if err != nil {
		err = fmt.Errorf("close channel %s: %w", c.id, err)
	}
	c.logger.LogConnection("close", err == nil, err)
	return err
}

func (c *Channel) peer() string { return c.stream.RemoteAddr() }

func (c *Channel) onTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.FrameReceived:
		ge := model.NewGatewayEvent(model.EventFrameReceived, c.id)
		ge.Frame = ev.Frame
		c.publish(ge)
		if c.engine != nil {
			c.dispatch(ev.Frame)
		}
	case transport.CorruptFrame:
		ge := model.NewGatewayEvent(model.EventCorruptFrame, c.id)
		ge.Reason = ev.Reason
		c.publish(ge)
	case transport.StreamError:
		c.logger.LogConnection("stream", false, ev.Err)
		if c.engine != nil {
			c.engine.FailAll(ev.Err)
		}
		ge := model.NewGatewayEvent(model.EventStreamError, c.id)
		ge.Reason = ev.Err.Error()
		c.publish(ge)
	}
}

func (c *Channel) onCorrelationEvent(ev correlation.Event) {
	var ge model.GatewayEvent
	switch ev.Kind {
	case correlation.Acknowledged:
		ge = model.NewGatewayEvent(model.EventAcknowledged, c.id)
		ge.Frame = ev.Payload
	case correlation.SegmentContinuation:
		ge = model.NewGatewayEvent(model.EventSegmentContinuation, c.id)
	case correlation.Failed:
		ge = model.NewGatewayEvent(model.EventRequestFailed, c.id)
		ge.Reason = ev.Err.Error()
	default:
		return
	}
	id := ev.InvokeID
	ge.InvokeID = &id
	ge.Peer = ev.Peer
	c.publish(ge)
}

// dispatch routes a BACnet reply to the correlation engine
func (c *Channel) dispatch(wire []byte) {
	msg, err := bacnet.DecodeMessage(wire)
	if err != nil {
		ge := model.NewGatewayEvent(model.EventCorruptFrame, c.id)
		ge.Reason = err.Error()
		c.publish(ge)
		return
	}
	if msg.APDU == nil {
		return
	}

	a := msg.APDU
	peer := c.peer()
	switch a.Type {
	case bacnet.PDUSimpleAck:
		c.engine.OnAck(a.InvokeID, peer, nil)
	case bacnet.PDUComplexAck:
		if !a.Segmented {
			c.engine.OnAck(a.InvokeID, peer, a.Payload)
			return
		}
		result, inOrder := c.engine.OnSequencedSegment(a.InvokeID, peer, a.Sequence, a.Payload, !a.MoreFollows)
		if result == correlation.SegmentAccepted {
			c.sendSegmentAck(a, a.Sequence, false)
			return
		}
		c.logger.Debug("Segment not accepted",
			zap.Uint8("invoke_id", a.InvokeID),
			zap.Uint8("sequence", a.Sequence),
			zap.Stringer("result", result),
		)
		c.sendSegmentAck(a, inOrder, true)
	case bacnet.PDUError:
		c.engine.OnError(a.InvokeID, peer, a.ErrorClass, a.ErrorCode)
	case bacnet.PDUReject:
		c.engine.OnReject(a.InvokeID, peer, a.Reason)
	case bacnet.PDUAbort:
		c.engine.OnAbort(a.InvokeID, peer, a.Reason, a.Server)
	default:
		c.logger.Debug("Ignoring unsolicited APDU",
			zap.Stringer("type", a.Type),
			zap.Uint8("invoke_id", a.InvokeID),
		)
	}
}

// sendSegmentAck acknowledges complex ack segments up to seq so the server
// sends the next one. Segments for unknown requests, retransmissions and
// gaps are negatively acked with the last sequence taken in order.
func (c *Channel) sendSegmentAck(a *bacnet.APDU, seq uint8, nak bool) {
	wire, err := bacnet.EncodeMessage(bacnet.APDU{
		Type:     bacnet.PDUSegmentAck,
		NAK:      nak,
		InvokeID: a.InvokeID,
		Sequence: seq,
		Window:   a.Window,
	})
	if err != nil {
		c.logger.Error("Failed to encode segment ack", zap.Error(err))
		return
	}
	if err := c.Send(context.Background(), wire); err != nil {
		c.logger.Warn("Failed to send segment ack", zap.Uint8("invoke_id", a.InvokeID), zap.Error(err))
	}
}
