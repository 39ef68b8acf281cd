package notify_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ent0n29/novel2anime/internal/notify"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

func TestNewReturnsNoopWithoutTopic(t *testing.T) {
	svc := notify.New("  ", time.Second)
	svc.TaskCompleted(context.Background(), tasks.Task{ID: "x"})
	if err := svc.Test(context.Background()); err != nil {
		t.Fatalf("noop Test() error = %v", err)
	}
}

func TestTaskCompletedPostsNotice(t *testing.T) {
	type request struct {
		title, tags, priority, body string
	}
	got := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- request{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			body:     string(body),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := notify.New(srv.URL+"/topic", time.Second)
	svc.TaskCompleted(context.Background(), tasks.Task{ID: "abc", Name: "Chapter One"})

	req := <-got
	if req.title != "novel2anime - Ready" {
		t.Fatalf("Title = %q", req.title)
	}
	if req.body != "Ready to watch: Chapter One" {
		t.Fatalf("body = %q", req.body)
	}
	if req.tags != "novel2anime,task,done" || req.priority != "high" {
		t.Fatalf("Tags = %q Priority = %q", req.tags, req.priority)
	}
}

func TestTestReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic disabled", http.StatusForbidden)
	}))
	defer srv.Close()

	if err := notify.New(srv.URL, time.Second).Test(context.Background()); err == nil {
		t.Fatalf("Test() error = nil, want failure")
	}
}
