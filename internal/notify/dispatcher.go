// Package notify implements best-effort in-app notification dispatch backed
// by Redis, with optional email copies.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one queued notification, as consumed by the portal frontend
// poller.
type Message struct {
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tag       string    `json:"tag"`
	CreatedAt time.Time `json:"created_at"`
}

// AddressBook looks up the email address for a user. An empty address means
// no email copy is sent.
type AddressBook interface {
	EmailForUser(ctx context.Context, userID string) (string, error)
}

// Sender delivers an email copy of a notification.
type Sender interface {
	IsConfigured() bool
	SendEmail(to []string, subject, body string) error
}

// Dispatcher pushes notifications onto a Redis queue. Repeated notifications
// with the same user and tag inside the coalescing window are dropped so a
// burst of identical events produces a single message.
type Dispatcher struct {
	client  *redis.Client
	window  time.Duration
	book    AddressBook
	sender  Sender
	queue   string
	sentKey string
}

// NewDispatcher connects to Redis and builds a dispatcher. book and sender
// may be nil to disable email copies.
func NewDispatcher(redisURL string, window time.Duration, book AddressBook, sender Sender) (*Dispatcher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewDispatcherWithClient(client, window, book, sender), nil
}

// NewDispatcherWithClient builds a dispatcher from an existing Redis client
func NewDispatcherWithClient(client *redis.Client, window time.Duration, book AddressBook, sender Sender) *Dispatcher {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Dispatcher{
		client:  client,
		window:  window,
		book:    book,
		sender:  sender,
		queue:   "notify:queue",
		sentKey: "notify:sent:",
	}
}

// Notify queues one notification. Delivery is best effort: a Redis failure is
// returned for the caller to log, never to abort the triggering operation.
func (d *Dispatcher) Notify(ctx context.Context, userID, title, body, tag string) error {
	fresh, err := d.client.SetNX(ctx, d.coalesceKey(userID, tag), time.Now().Unix(), d.window).Result()
	if err != nil {
		return fmt.Errorf("coalesce check: %w", err)
	}
	if !fresh {
		return nil
	}

	payload, err := json.Marshal(Message{
		UserID:    userID,
		Title:     title,
		Body:      body,
		Tag:       tag,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := d.client.LPush(ctx, d.queue, payload).Err(); err != nil {
		// Release the coalesce claim so a failed push does not suppress the
		// notification for the rest of the window.
		d.client.Del(ctx, d.coalesceKey(userID, tag))
		return fmt.Errorf("queue notification: %w", err)
	}

	d.sendEmailCopy(ctx, userID, title, body)
	return nil
}

func (d *Dispatcher) sendEmailCopy(ctx context.Context, userID, title, body string) {
	if d.book == nil || d.sender == nil || !d.sender.IsConfigured() {
		return
	}
	addr, err := d.book.EmailForUser(ctx, userID)
	if err != nil || addr == "" {
		return
	}
	if err := d.sender.SendEmail([]string{addr}, title, body); err != nil {
		log.Printf(`{"level":"warn","msg":"notification email failed","user":%q,"error":%q}`, userID, err.Error())
	}
}

func (d *Dispatcher) coalesceKey(userID, tag string) string {
	return d.sentKey + userID + ":" + tag
}

// Close closes the Redis connection
func (d *Dispatcher) Close() error {
	return d.client.Close()
}

// Ping checks if Redis is reachable
func (d *Dispatcher) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
