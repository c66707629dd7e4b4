package party

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/metrics"
)

const (
	roomChannelPrefix  = "party:room:"
	roomChannelPattern = roomChannelPrefix + "*"
)

// Broadcaster sends a frame to every member of a room except one connection. An empty
// exceptID addresses the whole room.
type Broadcaster interface {
	Broadcast(ctx context.Context, room string, frame []byte, exceptID string)
}

// LocalBroadcaster delivers to the members connected to this process only.
type LocalBroadcaster struct {
	hub *Hub
}

func NewLocalBroadcaster(hub *Hub) *LocalBroadcaster {
	return &LocalBroadcaster{hub: hub}
}

func (b *LocalBroadcaster) Broadcast(_ context.Context, room string, frame []byte, exceptID string) {
	b.hub.Deliver(room, frame, exceptID)
}

type roomEnvelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

var errMissingOrigin = errors.New("party: broadcaster origin is required")

// RedisBroadcasterConfig wires a RedisBroadcaster.
type RedisBroadcasterConfig struct {
	Hub     *Hub
	Cache   cache.Cache
	Origin  string
	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// RedisBroadcaster delivers locally and relays every frame over the cache pub/sub channel of the
// room so that members connected to other processes receive it too.
type RedisBroadcaster struct {
	hub     *Hub
	cache   cache.Cache
	origin  string
	logger  *zap.Logger
	metrics *metrics.Recorder

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRedisBroadcaster(cfg RedisBroadcasterConfig) (*RedisBroadcaster, error) {
	if cfg.Hub == nil {
		return nil, errors.New("party: hub is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("party: cache is required")
	}
	if strings.TrimSpace(cfg.Origin) == "" {
		return nil, errMissingOrigin
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroadcaster{
		hub:     cfg.Hub,
		cache:   cfg.Cache,
		origin:  cfg.Origin,
		logger:  logger,
		metrics: cfg.Metrics,
		ready:   make(chan struct{}),
	}, nil
}

// Broadcast delivers to local members and publishes the frame for other processes. When the
// publish fails delivery stays local.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, room string, frame []byte, exceptID string) {
	b.hub.Deliver(room, frame, exceptID)

	payload, err := json.Marshal(roomEnvelope{Origin: b.origin, Room: room, Except: exceptID, Frame: frame})
	if err != nil {
		b.logger.Error("room envelope encode failed", zap.String("room", room), zap.Error(err))
		return
	}
	if !b.cache.Publish(ctx, roomChannelPrefix+room, payload) {
		b.metrics.BackplaneMessage(metrics.DirectionDropped)
		b.logger.Debug("backplane publish failed, delivered locally only", zap.String("room", room))
		return
	}
	b.metrics.BackplaneMessage(metrics.DirectionPublished)
}

// Ready is closed once Run has subscribed to the backplane.
func (b *RedisBroadcaster) Ready() <-chan struct{} {
	return b.ready
}

// Run relays envelopes published by other processes to local members until ctx is cancelled
// or the subscription ends.
func (b *RedisBroadcaster) Run(ctx context.Context) {
	messages, cleanup := b.cache.Subscribe(ctx, roomChannelPattern)
	defer cleanup()
	b.readyOnce.Do(func() { close(b.ready) })

	b.logger.Info("room backplane subscribed", zap.String("origin", b.origin))
	for message := range messages {
		var envelope roomEnvelope
		if err := json.Unmarshal(message.Payload, &envelope); err != nil {
			b.logger.Warn("room envelope decode failed", zap.String("channel", message.Channel), zap.Error(err))
			continue
		}
		if envelope.Origin == b.origin {
			continue
		}
		b.metrics.BackplaneMessage(metrics.DirectionReceived)
		b.hub.Deliver(envelope.Room, envelope.Frame, envelope.Except)
	}
	b.logger.Info("room backplane stopped", zap.String("origin", b.origin))
}
