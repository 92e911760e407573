package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"docsync/change"
)

// RedisBroadcaster fans ChangesCommittedEvent/DocDeletedEvent out to every
// other coordinator instance sharing a document store, so a client
// connected to node B sees a commit accepted by node A. Grounded on
// luvjson/crdtsync.RedisStreamsBroadcaster's XAdd/XReadGroup pattern: a
// durable stream beats Pub/Sub here since a reconnecting node should not
// silently miss commits that happened while it was down.
type RedisBroadcaster struct {
	client        *redis.Client
	streamKey     string
	consumerGroup string
	consumerName  string
	nodeID        string
	maxLen        int64
	log           *zap.Logger

	onRemoteChangesCommitted *signal[ChangesCommittedEvent]
	onRemoteDocDeleted       *signal[DocDeletedEvent]
}

type broadcastEnvelope struct {
	Kind    string           `json:"kind"` // "changesCommitted" | "docDeleted"
	NodeID  string           `json:"nodeId"`
	DocID   string           `json:"docId"`
	Changes []*change.Change `json:"changes,omitempty"`
}

// NewRedisBroadcaster constructs a broadcaster bound to streamKey (one
// stream per deployment, or per shard) and nodeID (used to skip
// self-originated messages on read-back).
func NewRedisBroadcaster(ctx context.Context, client *redis.Client, streamKey, nodeID string, log *zap.Logger) (*RedisBroadcaster, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &RedisBroadcaster{
		client:                   client,
		streamKey:                streamKey,
		consumerGroup:            streamKey + "-group",
		consumerName:             "consumer-" + nodeID,
		nodeID:                   nodeID,
		maxLen:                   10000,
		log:                      log,
		onRemoteChangesCommitted: newSignal[ChangesCommittedEvent](),
		onRemoteDocDeleted:       newSignal[DocDeletedEvent](),
	}
	if err := b.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *RedisBroadcaster) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.streamKey, b.consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("coordinator: creating redis consumer group: %w", err)
	}
	return nil
}

// PublishChangesCommitted fans out a local commit to other nodes.
func (b *RedisBroadcaster) PublishChangesCommitted(ctx context.Context, ev ChangesCommittedEvent) error {
	return b.publish(ctx, broadcastEnvelope{Kind: "changesCommitted", NodeID: b.nodeID, DocID: ev.DocID, Changes: ev.Changes})
}

// PublishDocDeleted fans out a local deletion to other nodes.
func (b *RedisBroadcaster) PublishDocDeleted(ctx context.Context, ev DocDeletedEvent) error {
	return b.publish(ctx, broadcastEnvelope{Kind: "docDeleted", NodeID: b.nodeID, DocID: ev.DocID})
}

func (b *RedisBroadcaster) publish(ctx context.Context, env broadcastEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("coordinator: encoding broadcast envelope: %w", err)
	}
	_, err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream:       b.streamKey,
		MaxLen:       b.maxLen,
		MaxLenApprox: b.maxLen,
		ID:           "*",
		Values:       map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("coordinator: publishing to redis stream: %w", err)
	}
	return nil
}

// OnRemoteChangesCommitted subscribes to commits originating on other nodes.
func (b *RedisBroadcaster) OnRemoteChangesCommitted(fn func(ChangesCommittedEvent)) Unsubscribe {
	return b.onRemoteChangesCommitted.Subscribe(fn)
}

// OnRemoteDocDeleted subscribes to deletions originating on other nodes.
func (b *RedisBroadcaster) OnRemoteDocDeleted(fn func(DocDeletedEvent)) Unsubscribe {
	return b.onRemoteDocDeleted.Subscribe(fn)
}

// Run blocks, reading the stream as this node's consumer and re-emitting
// remote events until ctx is canceled.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.consumerGroup,
			Consumer: b.consumerName,
			Streams:  []string{b.streamKey, ">"},
			Count:    32,
			Block:    time.Second,
		}).Result()
		if err == redis.Nil || err == context.Canceled || err == context.DeadlineExceeded {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("redis stream read failed", zap.Error(err))
			continue
		}
		if len(streams) == 0 {
			continue
		}

		for _, msg := range streams[0].Messages {
			b.handleMessage(ctx, msg)
		}
	}
}

func (b *RedisBroadcaster) handleMessage(ctx context.Context, msg redis.XMessage) {
	defer b.client.XAck(ctx, b.streamKey, b.consumerGroup, msg.ID)

	raw, ok := msg.Values["data"].(string)
	if !ok {
		return
	}
	var env broadcastEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.log.Warn("dropping malformed broadcast envelope", zap.Error(err))
		return
	}
	if env.NodeID == b.nodeID {
		return
	}
	switch env.Kind {
	case "changesCommitted":
		b.onRemoteChangesCommitted.Emit(ChangesCommittedEvent{DocID: env.DocID, Changes: env.Changes})
	case "docDeleted":
		b.onRemoteDocDeleted.Emit(DocDeletedEvent{DocID: env.DocID})
	}
}
