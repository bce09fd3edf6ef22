package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/statorio/stator/pkg/core"
)

// NATSConfig configures the JetStream-backed runner. Zero values fall
// back to the defaults noted per field.
type NATSConfig struct {
	// URL of the NATS server. Default: nats.DefaultURL.
	URL string

	// Stream is the JetStream work-queue stream name. Default:
	// "STATOR_JOBS".
	Stream string

	// Prefix is prepended to queue subjects. Default: "stator.jobs".
	Prefix string

	// Queue is the queue used when a job names none. Default:
	// "default".
	Queue string

	// Workers bounds concurrent handler executions. Default: 4.
	Workers int

	// QueueSize bounds handler executions waiting for a worker.
	// Default: 256.
	QueueSize int

	// AckWait is how long the server waits for an ack before
	// redelivering. It must exceed the longest handler run. Default:
	// 10m.
	AckWait time.Duration

	// MaxAckPending bounds unacked in-flight messages per consumer.
	// Default: 1024.
	MaxAckPending int

	// Storage backs the stream. The zero value is nats.FileStorage.
	Storage nats.StorageType

	// Replicas is the stream replication factor. Default: 1.
	Replicas int

	// DedupWindow is the server-side message-id window. A key
	// submitted twice inside it returns ErrDuplicate, even after the
	// first run finished. Default: 2m.
	DedupWindow time.Duration

	// Name is an optional connection name.
	Name string
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "STATOR_JOBS"
	}
	if c.Prefix == "" {
		c.Prefix = "stator.jobs"
	}
	if c.Queue == "" {
		c.Queue = "default"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.AckWait <= 0 {
		c.AckWait = 10 * time.Minute
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 1024
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 2 * time.Minute
	}
	return c
}

// NATSOption configures a NATS runner.
type NATSOption func(*NATS)

// WithNATSLogger sets the runner logger.
func WithNATSLogger(l core.Logger) NATSOption {
	return func(n *NATS) {
		if l != nil {
			n.log = l
		}
	}
}

// envelope is the wire form of a job.
type envelope struct {
	Key       string `json:"key"`
	Handler   string `json:"handler"`
	Payload   []byte `json:"payload,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	Retries   int    `json:"retries,omitempty"`
	BackoffMS int64  `json:"backoff_ms,omitempty"`
}

// NATS runs jobs through a JetStream work-queue stream. Submit
// publishes the job's wire form with the key as message id; queue-group
// consumers started by Listen execute registered handlers and drive
// retries through delayed redelivery.
type NATS struct {
	cfg  NATSConfig
	nc   *nats.Conn
	js   nats.JetStreamContext
	exec *Pool
	log  core.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	subs     []*nats.Subscription
}

// NewNATS connects, ensures the work-queue stream exists, and returns
// the runner. Close releases the connection.
func NewNATS(cfg NATSConfig, opts ...NATSOption) (*NATS, error) {
	cfg = cfg.withDefaults()
	nc, err := nats.Connect(cfg.URL, nats.Name(cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("jobs: connecting to %s: %w", cfg.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jobs: jetstream context: %w", err)
	}
	n := &NATS{
		cfg:      cfg,
		nc:       nc,
		js:       js,
		exec:     NewPool(cfg.Workers, cfg.QueueSize),
		log:      core.NewNopLogger(),
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(n)
	}
	if err := n.ensureStream(); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *NATS) ensureStream() error {
	if _, err := n.js.StreamInfo(n.cfg.Stream); err == nil {
		return nil
	}
	_, err := n.js.AddStream(&nats.StreamConfig{
		Name:       n.cfg.Stream,
		Subjects:   []string{n.cfg.Prefix + ".>"},
		Retention:  nats.WorkQueuePolicy,
		Storage:    n.cfg.Storage,
		Replicas:   n.cfg.Replicas,
		Duplicates: n.cfg.DedupWindow,
	})
	if err != nil {
		return fmt.Errorf("jobs: ensuring stream %s: %w", n.cfg.Stream, err)
	}
	return nil
}

// Register binds a handler name to its implementation. Messages naming
// an unregistered handler are dropped with an error log.
func (n *NATS) Register(name string, h HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[name] = h
}

func (n *NATS) handler(name string) HandlerFunc {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handlers[name]
}

// Submit publishes the job's wire form. The job key becomes the
// message id, so resubmitting a key inside the dedup window returns
// ErrDuplicate without a round trip through a consumer.
func (n *NATS) Submit(ctx context.Context, j Job) error {
	if j.Handler == "" {
		return ErrNoHandler
	}
	env := envelope{
		Key:     j.Key,
		Handler: j.Handler,
		Payload: j.Payload,
		Retries: j.Retries,
	}
	if j.Timeout > 0 {
		env.TimeoutMS = j.Timeout.Milliseconds()
	}
	if j.Backoff > 0 {
		env.BackoffMS = j.Backoff.Milliseconds()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("jobs: encoding %s: %w", j.Key, err)
	}
	msg := &nats.Msg{
		Subject: n.subject(j.Queue),
		Data:    data,
		Header:  nats.Header{},
	}
	if j.Key != "" {
		msg.Header.Set(nats.MsgIdHdr, j.Key)
	}
	ack, err := n.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("jobs: publishing %s: %w", j.Key, err)
	}
	if ack.Duplicate {
		return ErrDuplicate
	}
	return nil
}

// Listen starts the queue-group consumer for one queue. Every process
// listening on the same queue shares the work.
func (n *NATS) Listen(queue string) error {
	if queue == "" {
		queue = n.cfg.Queue
	}
	group := sanitizeName("jobs_" + queue)
	sub, err := n.js.QueueSubscribe(
		n.subject(queue),
		group,
		n.onMsg,
		nats.BindStream(n.cfg.Stream),
		nats.Durable(group),
		nats.ManualAck(),
		nats.AckWait(n.cfg.AckWait),
		nats.MaxAckPending(n.cfg.MaxAckPending),
	)
	if err != nil {
		return fmt.Errorf("jobs: subscribing to queue %s: %w", queue, err)
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	return nil
}

// Close unsubscribes, stops the workers, and drains the connection.
func (n *NATS) Close() {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	n.exec.Stop()
	_ = n.nc.Drain()
	n.nc.Close()
}

func (n *NATS) subject(queue string) string {
	if queue == "" {
		queue = n.cfg.Queue
	}
	return n.cfg.Prefix + "." + queue
}

func (n *NATS) onMsg(nm *nats.Msg) {
	err := n.exec.Submit(context.Background(), Job{
		Run: func(ctx context.Context) error {
			n.handle(ctx, nm)
			return nil
		},
	})
	if err != nil {
		// Backpressure: leave the message unacked for redelivery.
		n.log.Warnf("jobs: consumer overloaded on %s: %v", nm.Subject, err)
		_ = nm.NakWithDelay(time.Second)
	}
}

func (n *NATS) handle(ctx context.Context, nm *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(nm.Data, &env); err != nil {
		n.log.Errorf("jobs: dropping undecodable message on %s: %v", nm.Subject, err)
		_ = nm.Term()
		return
	}
	h := n.handler(env.Handler)
	if h == nil {
		n.log.Errorf("jobs: no handler %q registered, dropping %s", env.Handler, env.Key)
		_ = nm.Term()
		return
	}
	attempt := 1
	if meta, err := nm.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}
	if env.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(env.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	if err := h(ctx, env.Payload); err != nil {
		if attempt > env.Retries {
			n.log.Errorf("jobs: %s failed after %d attempts: %v", env.Key, attempt, err)
			_ = nm.Term()
			return
		}
		j := Job{Backoff: time.Duration(env.BackoffMS) * time.Millisecond}
		delay := j.retryDelay(attempt)
		n.log.Warnf("jobs: %s attempt %d failed, redelivering in %s: %v", env.Key, attempt, delay, err)
		_ = nm.NakWithDelay(delay)
		return
	}
	_ = nm.Ack()
}

// sanitizeName keeps durable and queue-group names conservative.
func sanitizeName(s string) string {
	x := strings.TrimSpace(s)
	for _, sep := range []string{".", "-", " ", ":", "/"} {
		x = strings.ReplaceAll(x, sep, "_")
	}
	return x
}

var _ Runner = (*NATS)(nil)
