// internal/channel/registry.go
package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"rtu-gateway/internal/model"
	"rtu-gateway/internal/stream"
)

// Registry owns every open channel and fans their events out to subscribers.
// It is constructed by the composition root and passed to whatever needs it.
type Registry struct {
	opts   Options
	logger *zap.Logger

	// ctx bounds every channel's inbound loop
	ctx    context.Context
	cancel context.CancelFunc

	channels map[string]*Channel
	mu       sync.RWMutex

	subscribers map[string]chan model.GatewayEvent
	subMu       sync.RWMutex
}

// NewRegistry creates an empty channel registry
func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:        opts,
		logger:      logger.With(zap.String("component", "channel-registry")),
		ctx:         ctx,
		cancel:      cancel,
		channels:    make(map[string]*Channel),
		subscribers: make(map[string]chan model.GatewayEvent),
	}
}

// Open creates the stream described by spec, opens it and starts a channel
func (r *Registry) Open(ctx context.Context, spec Spec) (*Channel, error) {
	protocol, err := ParseProtocol(string(spec.Protocol))
	if err != nil {
		return nil, err
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := r.Get(id); ok {
		return nil, fmt.Errorf("channel %s: %w", id, ErrChannelExists)
	}

	s, err := stream.NewStream(spec.Stream, r.logger)
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx); err != nil {
		return nil, fmt.Errorf("open channel %s: %w", id, err)
	}

	ch, err := r.add(id, protocol, s, false)
	if err != nil {
		s.Close()
		return nil, err
	}
	return ch, nil
}

// Adopt starts a channel over an already open stream, such as one accepted
// by a stream.Listener. The channel gets a generated id and is removed from
// the registry once its stream ends; a reconnecting device gets a new one.
func (r *Registry) Adopt(s stream.Stream, protocol model.WireProtocol) (*Channel, error) {
	p, err := ParseProtocol(string(protocol))
	if err != nil {
		return nil, err
	}
	return r.add(uuid.NewString(), p, s, true)
}

// add registers and starts a channel. Channels opened from a spec stay
// registered after their stream fails so the failure stays visible; adopted
// ones are dropped when it ends.
func (r *Registry) add(id string, protocol model.WireProtocol, s stream.Stream, dropOnEnd bool) (*Channel, error) {
	ch, err := newChannel(id, protocol, s, r.opts, r.publish, r.logger)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.channels[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("channel %s: %w", id, ErrChannelExists)
	}
	r.channels[id] = ch
	r.mu.Unlock()

	ch.start(r.ctx)
	r.logger.Info("Channel opened",
		zap.String("channel_id", id),
		zap.String("protocol", string(protocol)),
		zap.String("kind", string(s.Kind())),
		zap.String("remote", s.RemoteAddr()),
	)
	if dropOnEnd {
		go r.dropWhenDone(ch)
	}
	return ch, nil
}

func (r *Registry) dropWhenDone(ch *Channel) {
	<-ch.Done()

	r.mu.Lock()
	current, ok := r.channels[ch.ID()]
	if ok && current == ch {
		delete(r.channels, ch.ID())
	}
	r.mu.Unlock()
	if !ok || current != ch {
		return
	}

	if err := ch.Close(); err != nil {
		r.logger.Debug("Closing ended channel", zap.String("channel_id", ch.ID()), zap.Error(err))
	}
	status, err := ch.Status()
	r.logger.Info("Adopted channel removed",
		zap.String("channel_id", ch.ID()),
		zap.String("status", string(status)),
		zap.NamedError("cause", err),
	)
}

// Get returns a channel by id
func (r *Registry) Get(id string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// List returns channel summaries ordered by id
func (r *Registry) List() []model.ChannelInfo {
	r.mu.RLock()
	infos := make([]model.ChannelInfo, 0, len(r.channels))
	for _, ch := range r.channels {
		infos = append(infos, ch.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Len returns the number of registered channels
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// CloseChannel closes and removes one channel
func (r *Registry) CloseChannel(id string) error {
	r.mu.Lock()
	ch, ok := r.channels[id]
	delete(r.channels, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("channel %s: %w", id, ErrChannelNotFound)
	}
	r.logger.Info("Closing channel", zap.String("channel_id", id))
	return ch.Close()
}

// Close closes every channel and drops all subscribers
func (r *Registry) Close() error {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	var err error
	for _, ch := range channels {
		err = multierr.Append(err, ch.Close())
	}
	r.cancel()

	r.subMu.Lock()
	for id, sub := range r.subscribers {
		close(sub)
		delete(r.subscribers, id)
	}
	r.subMu.Unlock()

	r.logger.Info("Channel registry closed", zap.Int("channels", len(channels)))
	return err
}

// Subscribe registers a buffered event receiver. Slow subscribers miss
// events instead of blocking the channels.
func (r *Registry) Subscribe(buffer int) (string, <-chan model.GatewayEvent) {
	id := uuid.NewString()
	sub := make(chan model.GatewayEvent, buffer)

	r.subMu.Lock()
	r.subscribers[id] = sub
	r.subMu.Unlock()
	return id, sub
}

// Unsubscribe removes a subscriber and closes its channel
func (r *Registry) Unsubscribe(id string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if sub, ok := r.subscribers[id]; ok {
		close(sub)
		delete(r.subscribers, id)
	}
}

func (r *Registry) publish(ev model.GatewayEvent) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, sub := range r.subscribers {
		select {
		case sub <- ev:
		default:
			r.logger.Debug("Subscriber full, dropping event", zap.String("event_type", string(ev.Type)))
		}
	}
}
