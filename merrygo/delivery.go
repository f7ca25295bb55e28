package merrygo

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/dogmatiq/linger"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var ErrInvalidDestination = errors.New("invalid destination")

// MessageSender delivers a single payload to a destination (a discord
// channel ID). Implementations return a *RateLimitedError when the
// destination is rate limited, so the entry is retried rather than
// dropped.
type MessageSender interface {
	SendMessage(ctx context.Context, channelID string, payload Payload) error
}

// Clock provides the current time and context-aware sleeps to the
// delivery workers
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	return linger.Sleep(ctx, d)
}

// RateLimitedError indicates the destination is rate limited. RetryAfter
// is zero when discord didn't say how long to wait.
type RateLimitedError struct {
	RetryAfter time.Duration
	Bucket     string
	Err        error
}

func (e *RateLimitedError) Error() string {
	var b strings.Builder
	b.WriteString("rate limited")
	if e.Bucket != "" {
		fmt.Fprintf(&b, " (bucket %s)", e.Bucket)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, ", retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// Attachment is a file sent alongside a message
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// Payload is the content of a single outbound message
type Payload struct {
	Content    string                  `json:"content"`
	Embed      *discordgo.MessageEmbed `json:"embed,omitempty"`
	Attachment *Attachment             `json:"attachment,omitempty"`
}

func (p Payload) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("content", truncate(p.Content, 50)),
	}
	if p.Embed != nil {
		attrs = append(attrs, slog.String("embed_title", p.Embed.Title))
	}
	if p.Attachment != nil {
		attrs = append(
			attrs,
			slog.String("attachment", p.Attachment.Name),
			slog.Int("attachment_size", len(p.Attachment.Data)),
		)
	}
	return slog.GroupValue(attrs...)
}

// QueueEntry is a payload waiting to be delivered. Entries are never
// modified after being enqueued.
type QueueEntry struct {
	ID          uuid.UUID
	Destination string
	Payload     Payload
	EnqueuedAt  time.Time
}

func (e QueueEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", e.ID.String()),
		slog.String("destination", e.Destination),
		slog.Time("enqueued_at", e.EnqueuedAt),
		slog.Any("payload", e.Payload),
	)
}

// DropHandler is called for each entry discarded after a failed send
type DropHandler func(ctx context.Context, entry *QueueEntry, err error)

// destinationQueue holds the pending entries for a single destination.
// entries is only popped by the destination's worker, and only from the
// head. processing is true while a worker is running for it.
type destinationQueue struct {
	id         string
	mu         sync.Mutex
	entries    []*QueueEntry
	lastSend   time.Time
	lastActive time.Time
	processing bool

	// retired is set when the queue has been pruned. Enqueue must not
	// append to a retired queue.
	retired bool
}

// DestinationStats is a point-in-time view of a single destination's queue
type DestinationStats struct {
	Destination string    `json:"destination"`
	Pending     int       `json:"pending"`
	Processing  bool      `json:"processing"`
	LastSend    time.Time `json:"last_send"`
}

// DeliveryStats is a point-in-time view of the delivery queue
type DeliveryStats struct {
	WorkersStarted int64              `json:"workers_started"`
	ActiveWorkers  int                `json:"active_workers"`
	Delivered      int64              `json:"delivered"`
	RateLimited    int64              `json:"rate_limited"`
	Dropped        int64              `json:"dropped"`
	Destinations   []DestinationStats `json:"destinations,omitempty"`
}

// DeliveryQueue delivers messages to destinations through a MessageSender,
// in the order they were enqueued for each destination.
//
// Each destination gets a worker goroutine while it has pending entries.
// Successful sends to a destination are spaced by at least
// DeliveryConfig.MinSpacing, followed by DeliveryConfig.MessageDelay.
// A rate limited send is retried after the backoff discord asked for.
// Any other failed send is logged and the entry is dropped.
type DeliveryQueue struct {
	sender       MessageSender
	clock        Clock
	config       DeliveryConfig
	logger       *slog.Logger
	onDrop       DropHandler
	destinations sync.Map

	// workers run with this context, which is never canceled. Queued
	// entries always drain.
	ctx context.Context

	activeMu sync.Mutex
	active   int
	idleCh   chan struct{}

	workersStarted atomic.Int64
	delivered      atomic.Int64
	rateLimited    atomic.Int64
	dropped        atomic.Int64
}

type DeliveryOption func(*DeliveryQueue)

// WithClock replaces the clock used for spacing and backoff
func WithClock(c Clock) DeliveryOption {
	return func(q *DeliveryQueue) {
		q.clock = c
	}
}

// WithDropHandler sets a function called for each dropped entry
func WithDropHandler(h DropHandler) DeliveryOption {
	return func(q *DeliveryQueue) {
		q.onDrop = h
	}
}

func NewDeliveryQueue(
	sender MessageSender,
	config DeliveryConfig,
	logger *slog.Logger,
	opts ...DeliveryOption,
) *DeliveryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if config.DefaultRetryAfter <= 0 {
		config.DefaultRetryAfter = DefaultDeliveryRetryAfter
	}
	q := &DeliveryQueue{
		sender: sender,
		clock:  systemClock{},
		config: config,
		logger: logger,
		idleCh: make(chan struct{}),
	}
	close(q.idleCh)
	for _, opt := range opts {
		opt(q)
	}
	q.ctx = WithLogger(context.Background(), q.logger)
	return q
}

// Enqueue appends the payload to the destination's queue, starting a
// worker for the destination if one isn't already running. It doesn't
// wait for delivery.
func (q *DeliveryQueue) Enqueue(destination string, payload Payload) (uuid.UUID, error) {
	if destination == "" {
		return uuid.Nil, ErrInvalidDestination
	}

	entry := &QueueEntry{
		ID:          uuid.New(),
		Destination: destination,
		Payload:     payload,
		EnqueuedAt:  q.clock.Now(),
	}

	for {
		dq := q.destination(destination)

		dq.mu.Lock()
		if dq.retired {
			dq.mu.Unlock()
			continue
		}
		dq.entries = append(dq.entries, entry)
		pending := len(dq.entries)
		startWorker := !dq.processing
		if startWorker {
			dq.processing = true
			q.workerStarted()
		}
		dq.mu.Unlock()

		q.logger.Debug(
			"enqueued message",
			"entry", entry,
			"pending", pending,
		)
		if startWorker {
			q.workersStarted.Add(1)
			go q.process(dq)
		}
		return entry.ID, nil
	}
}

func (q *DeliveryQueue) destination(id string) *destinationQueue {
	if v, ok := q.destinations.Load(id); ok {
		return v.(*destinationQueue)
	}
	v, _ := q.destinations.LoadOrStore(
		id,
		&destinationQueue{id: id, lastActive: q.clock.Now()},
	)
	return v.(*destinationQueue)
}

func (q *DeliveryQueue) workerStarted() {
	q.activeMu.Lock()
	defer q.activeMu.Unlock()
	if q.active == 0 {
		q.idleCh = make(chan struct{})
	}
	q.active++
}

func (q *DeliveryQueue) workerStopped() {
	q.activeMu.Lock()
	defer q.activeMu.Unlock()
	q.active--
	if q.active == 0 {
		close(q.idleCh)
	}
}

// Wait blocks until no workers are running, or the context is done.
func (q *DeliveryQueue) Wait(ctx context.Context) error {
	q.activeMu.Lock()
	idle := q.idleCh
	q.activeMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process delivers entries for dq until its queue is empty
func (q *DeliveryQueue) process(dq *destinationQueue) {
	logger := q.logger.With("destination", dq.id)
	ctx := WithLogger(q.ctx, logger)
	logger.DebugContext(ctx, "delivery worker started")

	for {
		dq.mu.Lock()
		if len(dq.entries) == 0 {
			dq.processing = false
			dq.lastActive = q.clock.Now()
			dq.mu.Unlock()
			q.workerStopped()
			logger.DebugContext(ctx, "delivery worker finished")
			return
		}
		entry := dq.entries[0]
		lastSend := dq.lastSend
		dq.mu.Unlock()

		if !lastSend.IsZero() {
			if wait := q.config.MinSpacing - q.clock.Now().Sub(lastSend); wait > 0 {
				q.sleep(ctx, wait)
			}
		}

		err := q.send(ctx, entry)

		var rateLimited *RateLimitedError
		switch {
		case err == nil:
			dq.mu.Lock()
			dq.lastSend = q.clock.Now()
			dq.pop()
			dq.mu.Unlock()

			q.delivered.Add(1)
			logger.DebugContext(ctx, "delivered message", "entry", entry)
			if q.config.MessageDelay > 0 {
				q.sleep(ctx, q.config.MessageDelay)
			}
		case errors.As(err, &rateLimited):
			retryAfter := rateLimited.RetryAfter
			if retryAfter <= 0 {
				retryAfter = q.config.DefaultRetryAfter
			}
			q.rateLimited.Add(1)
			logger.WarnContext(
				ctx,
				"rate limited, backing off",
				"retry_after", retryAfter,
				"bucket", rateLimited.Bucket,
				"entry", entry,
			)
			q.sleep(ctx, retryAfter)
		default:
			dq.mu.Lock()
			dq.pop()
			dq.mu.Unlock()

			q.dropped.Add(1)
			logger.ErrorContext(
				ctx,
				"failed to deliver message, dropping",
				"entry", entry,
				tint.Err(err),
			)
			if q.onDrop != nil {
				q.onDrop(ctx, entry, err)
			}
		}
	}
}

// pop removes the head entry. The caller must hold mu.
func (dq *destinationQueue) pop() {
	dq.entries[0] = nil
	dq.entries = dq.entries[1:]
}

// send calls the sender, converting a panic into an error so the worker
// keeps running
func (q *DeliveryQueue) send(ctx context.Context, entry *QueueEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()
	return q.sender.SendMessage(ctx, entry.Destination, entry.Payload)
}

func (q *DeliveryQueue) sleep(ctx context.Context, d time.Duration) {
	if err := q.clock.Sleep(ctx, d); err != nil {
		q.logger.WarnContext(ctx, "sleep interrupted", "duration", d, tint.Err(err))
	}
}

// Prune removes destinations which have no pending entries, no running
// worker, and no activity in the last idleFor. Destinations that sent
// within the last MinSpacing are kept regardless of idleFor. It returns
// the number of destinations removed.
func (q *DeliveryQueue) Prune(idleFor time.Duration) int {
	now := q.clock.Now()
	pruned := 0
	q.destinations.Range(
		func(key, value any) bool {
			dq := value.(*destinationQueue)
			dq.mu.Lock()
			defer dq.mu.Unlock()

			if dq.processing || len(dq.entries) > 0 {
				return true
			}
			// the next send still has to be spaced from the last one
			if !dq.lastSend.IsZero() && now.Sub(dq.lastSend) < q.config.MinSpacing {
				return true
			}
			lastActive := dq.lastActive
			if dq.lastSend.After(lastActive) {
				lastActive = dq.lastSend
			}
			if now.Sub(lastActive) < idleFor {
				return true
			}
			dq.retired = true
			q.destinations.CompareAndDelete(key, dq)
			pruned++
			return true
		},
	)
	if pruned > 0 {
		q.logger.Debug("pruned idle destinations", "count", pruned)
	}
	return pruned
}

// Stats returns a snapshot of the queue's counters and destinations,
// sorted by destination
func (q *DeliveryQueue) Stats() DeliveryStats {
	q.activeMu.Lock()
	active := q.active
	q.activeMu.Unlock()

	stats := DeliveryStats{
		WorkersStarted: q.workersStarted.Load(),
		ActiveWorkers:  active,
		Delivered:      q.delivered.Load(),
		RateLimited:    q.rateLimited.Load(),
		Dropped:        q.dropped.Load(),
	}
	q.destinations.Range(
		func(_, value any) bool {
			dq := value.(*destinationQueue)
			dq.mu.Lock()
			stats.Destinations = append(
				stats.Destinations, DestinationStats{
					Destination: dq.id,
					Pending:     len(dq.entries),
					Processing:  dq.processing,
					LastSend:    dq.lastSend,
				},
			)
			dq.mu.Unlock()
			return true
		},
	)
	slices.SortFunc(
		stats.Destinations, func(a, b DestinationStats) int {
			return strings.Compare(a.Destination, b.Destination)
		},
	)
	return stats
}

// runPruner prunes idle destinations every interval until ctx is done
func (q *DeliveryQueue) runPruner(ctx context.Context, interval, idleFor time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Prune(idleFor)
		}
	}
}
