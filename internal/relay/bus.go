package relay

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// MemberTTL is how long a membership outlives its last Join or Touch. The
// server touches every live client well within it.
const MemberTTL = 90 * time.Second

// Bus carries room traffic between relay instances and tracks which peers
// are in a room across all of them.
type Bus interface {
	Subscribe(ctx context.Context, room string) (Subscription, error)
	Publish(ctx context.Context, room string, data []byte) error
	// Join adds peer to the room's members. It reports false when the peer
	// was already a member.
	Join(ctx context.Context, room, peer string) (bool, error)
	Leave(ctx context.Context, room, peer string) error
	// Touch extends the membership of a peer that is still connected.
	Touch(ctx context.Context, room, peer string) error
	Members(ctx context.Context, room string) ([]string, error)
	Close() error
}

// Subscription receives every message published to one room, including
// those published by this instance.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// MemoryBus is a Bus for a single relay instance.
type MemoryBus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[string]map[int]*memorySub
	members map[string]map[string]bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:    make(map[string]map[int]*memorySub),
		members: make(map[string]map[string]bool),
	}
}

type memorySub struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
	drop func()
}

func (s *memorySub) Messages() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.drop()
	})
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, room string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &memorySub{
		ch:   make(chan []byte, 256),
		done: make(chan struct{}),
	}
	sub.drop = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[room], id)
		if len(b.subs[room]) == 0 {
			delete(b.subs, room)
		}
	}
	if b.subs[room] == nil {
		b.subs[room] = make(map[int]*memorySub)
	}
	b.subs[room][id] = sub
	return sub, nil
}

func (b *MemoryBus) Publish(ctx context.Context, room string, data []byte) error {
	b.mu.Lock()
	targets := make([]*memorySub, 0, len(b.subs[room]))
	for _, sub := range b.subs[room] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- data:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Join(_ context.Context, room, peer string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.members[room] == nil {
		b.members[room] = make(map[string]bool)
	}
	if b.members[room][peer] {
		return false, nil
	}
	b.members[room][peer] = true
	return true, nil
}

func (b *MemoryBus) Leave(_ context.Context, room, peer string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members[room], peer)
	if len(b.members[room]) == 0 {
		delete(b.members, room)
	}
	return nil
}

// Touch is a no-op: members of a single instance leave with it.
func (b *MemoryBus) Touch(context.Context, string, string) error { return nil }

func (b *MemoryBus) Members(_ context.Context, room string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.members[room]))
	for peer := range b.members[room] {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out, nil
}

func (b *MemoryBus) Close() error { return nil }

// RedisBus fans room traffic out through Redis pub/sub so that several relay
// instances can serve the same room. Membership lives in a sorted set per
// room scored by expiry, so peers of a relay that died without saying
// goodbye drop out after MemberTTL.
type RedisBus struct {
	rdb   *redis.Client
	clock clockwork.Clock
}

// NewRedisBus connects to the Redis server at url
// (e.g. "redis://localhost:6379/0"). clock scores membership expiry.
func NewRedisBus(ctx context.Context, url string, clock clockwork.Clock) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBus{rdb: rdb, clock: clock}, nil
}

func roomChannel(room string) string { return "room:" + room }
func membersKey(room string) string  { return "room:" + room + ":peers" }

func (b *RedisBus) Subscribe(ctx context.Context, room string) (Subscription, error) {
	sub := b.rdb.Subscribe(ctx, roomChannel(room))
	// Wait for the confirmation so nothing published afterwards is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", roomChannel(room), err)
	}
	rs := &redisSub{
		sub:  sub,
		ch:   make(chan []byte, 256),
		done: make(chan struct{}),
	}
	go rs.run()
	return rs, nil
}

func (b *RedisBus) Publish(ctx context.Context, room string, data []byte) error {
	return b.rdb.Publish(ctx, roomChannel(room), data).Err()
}

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (b *RedisBus) expiry() redis.Z {
	return redis.Z{Score: float64(b.clock.Now().Add(MemberTTL).UnixMilli())}
}

func (b *RedisBus) Join(ctx context.Context, room, peer string) (bool, error) {
	key := membersKey(room)
	z := b.expiry()
	z.Member = peer

	pipe := b.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", millis(b.clock.Now()))
	added := pipe.ZAddNX(ctx, key, z)
	pipe.PExpire(ctx, key, MemberTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("add member: %w", err)
	}
	return added.Val() == 1, nil
}

func (b *RedisBus) Touch(ctx context.Context, room, peer string) error {
	key := membersKey(room)
	z := b.expiry()
	z.Member = peer

	pipe := b.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, z)
	pipe.PExpire(ctx, key, MemberTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch member: %w", err)
	}
	return nil
}

func (b *RedisBus) Leave(ctx context.Context, room, peer string) error {
	return b.rdb.ZRem(ctx, membersKey(room), peer).Err()
}

func (b *RedisBus) Members(ctx context.Context, room string) ([]string, error) {
	key := membersKey(room)
	pipe := b.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", millis(b.clock.Now()))
	members := pipe.ZRange(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	peers := members.Val()
	sort.Strings(peers)
	return peers, nil
}

func (b *RedisBus) Close() error { return b.rdb.Close() }

type redisSub struct {
	sub  *redis.PubSub
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSub) Messages() <-chan []byte { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Close()
	})
	return err
}

func (s *redisSub) run() {
	msgs := s.sub.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}
