// Package notify pushes task completion notices to an ntfy topic.
package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/novel2anime/internal/tasks"
)

const userAgent = "novel2anime/0.1"

// Service is the notification surface the task lifecycle uses.
type Service interface {
	TaskCompleted(ctx context.Context, t tasks.Task)
	Test(ctx context.Context) error
}

// New returns an ntfy-backed service, or a noop one when topic is empty.
// topic is a full URL such as https://ntfy.sh/my-topic.
func New(topic string, timeout time.Duration) Service {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return noop{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfy{endpoint: topic, client: &http.Client{Timeout: timeout}}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfy struct {
	endpoint string
	client   *http.Client
}

// TaskCompleted sends the "ready to watch" notice. Failures are logged only.
func (n *ntfy) TaskCompleted(ctx context.Context, t tasks.Task) {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		name = tasks.PlaceholderName(t.ID)
	}
	err := n.send(ctx, message{
		title:    "novel2anime - Ready",
		body:     fmt.Sprintf("Ready to watch: %s", name),
		tags:     []string{"novel2anime", "task", "done"},
		priority: "high",
	})
	if err != nil {
		log.Printf("notify: task %s: %v", t.ID, err)
	}
}

func (n *ntfy) Test(ctx context.Context) error {
	return n.send(ctx, message{
		title:    "novel2anime - Test",
		body:     "Notification test",
		tags:     []string{"novel2anime", "test"},
		priority: "low",
	})
}

func (n *ntfy) send(ctx context.Context, m message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(m.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if m.title != "" {
		req.Header.Set("Title", m.title)
	}
	if len(m.tags) > 0 {
		req.Header.Set("Tags", strings.Join(m.tags, ","))
	}
	if m.priority != "" && m.priority != "default" {
		req.Header.Set("Priority", m.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noop struct{}

func (noop) TaskCompleted(context.Context, tasks.Task) {}
func (noop) Test(context.Context) error                { return nil }
