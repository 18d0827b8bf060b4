// Package queue provides a small Redis-backed task queue with scheduled
// delivery, dedupe keys and at-least-once claim semantics.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	tasksKey      = "queue:tasks"
	processingKey = "queue:processing"
	dedupePrefix  = "queue:dedupe:"

	// A claimed task not acked within this window is handed back to the
	// scheduled set for another worker.
	visibilityTimeout = 5 * time.Minute
	dedupeTTL         = 24 * time.Hour
)

type Task struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	ETA     time.Time       `json:"eta"`

	// raw is the exact member string claimed from Redis, kept for Ack.
	raw string
}

type Queue struct {
	client *redis.Client
}

func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue schedules a task for execution at eta. A non-empty dedupeKey
// suppresses re-enqueues of the same logical task for 24 hours, which makes
// redelivery after a crashed dispatcher safe.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, eta time.Time, dedupeKey string) error {
	if dedupeKey != "" {
		ok, err := q.client.SetNX(ctx, dedupePrefix+dedupeKey, 1, dedupeTTL).Result()
		if err != nil {
			return fmt.Errorf("dedupe %s: %w", dedupeKey, err)
		}
		if !ok {
			return nil
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", name, err)
	}
	task := Task{ID: uuid.NewString(), Name: name, Payload: raw, ETA: eta}
	member, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", name, err)
	}

	if err := q.client.ZAdd(ctx, tasksKey, redis.Z{
		Score:  float64(eta.UnixMilli()),
		Member: string(member),
	}).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	return nil
}

// Claim pops one due task. The task moves to a processing set until Ack;
// a second claimer racing on the same member loses the ZRem and retries.
func (q *Queue) Claim(ctx context.Context, now time.Time) (*Task, error) {
	for {
		members, err := q.client.ZRangeByScore(ctx, tasksKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%d", now.UnixMilli()),
			Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("scan due tasks: %w", err)
		}
		if len(members) == 0 {
			return nil, nil
		}

		member := members[0]
		removed, err := q.client.ZRem(ctx, tasksKey, member).Result()
		if err != nil {
			return nil, fmt.Errorf("claim task: %w", err)
		}
		if removed == 0 {
			continue // lost the race, try the next member
		}

		if err := q.client.ZAdd(ctx, processingKey, redis.Z{
			Score:  float64(now.Add(visibilityTimeout).UnixMilli()),
			Member: member,
		}).Err(); err != nil {
			return nil, fmt.Errorf("mark task in flight: %w", err)
		}

		var task Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			_ = q.client.ZRem(ctx, processingKey, member).Err()
			return nil, fmt.Errorf("decode task: %w", err)
		}
		task.raw = member
		return &task, nil
	}
}

// Ack removes a completed task from the processing set.
func (q *Queue) Ack(ctx context.Context, task *Task) error {
	if err := q.client.ZRem(ctx, processingKey, task.raw).Err(); err != nil {
		return fmt.Errorf("ack task %s: %w", task.ID, err)
	}
	return nil
}

// Reap returns expired in-flight tasks to the scheduled set so another
// worker can claim them.
func (q *Queue) Reap(ctx context.Context, now time.Time) error {
	members, err := q.client.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan in-flight tasks: %w", err)
	}
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, processingKey, member).Result()
		if err != nil {
			return fmt.Errorf("reap task: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.ZAdd(ctx, tasksKey, redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: member,
		}).Err(); err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}
	}
	return nil
}

// Handler processes one task payload. Returning an error leaves the task in
// flight; Reap hands it back to the scheduled set once the visibility
// timeout passes, so handlers must be idempotent.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Worker drains the queue, dispatching tasks to registered handlers.
type Worker struct {
	queue    *Queue
	handlers map[string]Handler
	interval time.Duration
	now      func() time.Time
}

func NewWorker(q *Queue, pollInterval time.Duration) *Worker {
	return &Worker{
		queue:    q,
		handlers: map[string]Handler{},
		interval: pollInterval,
		now:      time.Now,
	}
}

func (w *Worker) Register(name string, h Handler) {
	w.handlers[name] = h
}

// Run polls until the context is cancelled. The in-flight task is always
// finished before returning.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := w.queue.Reap(ctx, w.now()); err != nil && ctx.Err() == nil {
			log.Printf("queue: reap failed: %v", err)
		}
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.queue.Claim(ctx, w.now())
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("queue: claim failed: %v", err)
			}
			return
		}
		if task == nil {
			return
		}
		w.handle(ctx, task)
	}
}

func (w *Worker) handle(ctx context.Context, task *Task) {
	handler, ok := w.handlers[task.Name]
	if !ok {
		log.Printf("queue: no handler for task %q, dropping %s", task.Name, task.ID)
		_ = w.queue.Ack(ctx, task)
		return
	}
	if err := handler(ctx, task.Payload); err != nil {
		// Leave the task in flight; Reap requeues it after the visibility
		// timeout for another attempt.
		log.Printf("queue: task %s (%s) failed, will redeliver: %v", task.Name, task.ID, err)
		return
	}
	if err := w.queue.Ack(ctx, task); err != nil {
		log.Printf("queue: ack %s failed: %v", task.ID, err)
	}
}
