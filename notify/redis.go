package notify

import (
	"context"
	"sync"

	"github.com/drpcorg/viewdb/protocol"
	"github.com/drpcorg/viewdb/utils"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "viewdb:commits"

// Redis carries signals between processes over a redis Pub/Sub channel.
type Redis struct {
	client  redis.UniversalClient
	channel string

	once  sync.Once
	ready chan struct{}
}

func NewRedis(client redis.UniversalClient, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel, ready: make(chan struct{})}
}

func (r *Redis) Name() string {
	return "redis"
}

// Ready is closed once the first subscription is confirmed.
func (r *Redis) Ready() <-chan struct{} {
	return r.ready
}

func encodeSignal(sig Signal) []byte {
	return protocol.Concat(
		protocol.Str('O', sig.Origin),
		protocol.Uint('S', sig.Sequence),
	)
}

func decodeSignal(payload []byte) (Signal, error) {
	f, err := protocol.ParseFields(payload)
	if err != nil {
		return Signal{}, err
	}
	return Signal{Origin: f.String('O'), Sequence: f.Uint('S')}, nil
}

func (r *Redis) Publish(ctx context.Context, sig Signal) error {
	return r.client.Publish(ctx, r.channel, encodeSignal(sig)).Err()
}

func (r *Redis) Run(ctx context.Context, emit func(Signal)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrapf(err, "subscribe %s", r.channel)
	}
	r.once.Do(func() { close(r.ready) })
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			sig, err := decodeSignal([]byte(msg.Payload))
			if err != nil {
				SourceErrors.WithLabelValues("redis_payload").Inc()
				continue
			}
			emit(sig)
		}
	}
}

// Publisher announces local commits on the redis channel from its own
// goroutine, so that writers never wait for redis. Commits that pile up
// while a publish is in flight are announced once, with the latest
// sequence.
type Publisher struct {
	redis  *Redis
	origin string
	log    utils.Logger

	mu      sync.Mutex
	pending uint64
	wake    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPublisher(r *Redis, origin string, log utils.Logger) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		redis:  r,
		origin: origin,
		log:    log,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.loop(utils.WithDefaultArgs(ctx, "process", "publisher", "origin", origin))
	return p
}

// Post is a store commit listener.
func (p *Publisher) Post(seq uint64) {
	p.mu.Lock()
	if seq > p.pending {
		p.pending = seq
	}
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) loop(ctx context.Context) {
	defer close(p.done)
	var sent uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
		p.mu.Lock()
		seq := p.pending
		p.mu.Unlock()
		if seq <= sent {
			continue
		}
		if err := p.redis.Publish(ctx, Signal{Origin: p.origin, Sequence: seq}); err != nil {
			if ctx.Err() == nil {
				SourceErrors.WithLabelValues("redis_publish").Inc()
				p.log.WarnCtx(ctx, "failed to publish commit", "seq", seq, "err", err)
			}
			continue
		}
		sent = seq
	}
}

func (p *Publisher) Close() error {
	p.cancel()
	<-p.done
	return nil
}
