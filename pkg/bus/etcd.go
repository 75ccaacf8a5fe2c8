package bus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// envelope wraps a Message with its sender so subscribers can drop their
// own publishes: etcd watches echo every put back to the writer.
type envelope struct {
	Sender string  `json:"sender"`
	Msg    Message `json:"msg"`
}

// Etcd broadcasts by writing each message to a single feed key and watching
// it. Every put produces one watch event per subscriber, which gives the
// same best-effort, unordered semantics as the in-process broker but across
// processes sharing an etcd endpoint.
type Etcd struct {
	cli   *clientv3.Client
	feed  string
	self  string
	mu    sync.Mutex
	stops []context.CancelFunc
}

// NewEtcd scopes a bus to topic. Each bus instance gets a random sender id
// used only to filter out its own echoed publishes. The client is owned by
// the caller and not closed here.
func NewEtcd(cli *clientv3.Client, topic string) *Etcd {
	var id [8]byte
	_, _ = rand.Read(id[:])
	return &Etcd{
		cli:  cli,
		feed: topic + "/feed",
		self: hex.EncodeToString(id[:]),
	}
}

func (e *Etcd) Publish(ctx context.Context, m Message) error {
	data, err := json.Marshal(envelope{Sender: e.self, Msg: m})
	if err != nil {
		return fmt.Errorf("bus: marshal message: %w", err)
	}
	if _, err := e.cli.Put(ctx, e.feed, string(data)); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

func (e *Etcd) Subscribe(h func(Message)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	wch := e.cli.Watch(ctx, e.feed)

	e.mu.Lock()
	e.stops = append(e.stops, cancel)
	e.mu.Unlock()

	go func() {
		for resp := range wch {
			if resp.Canceled {
				return
			}
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var env envelope
				if err := json.Unmarshal(ev.Kv.Value, &env); err != nil {
					continue
				}
				if env.Sender == e.self {
					continue
				}
				h(env.Msg)
			}
		}
	}()
	return cancel, nil
}

func (e *Etcd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, stop := range e.stops {
		stop()
	}
	e.stops = nil
	return nil
}
