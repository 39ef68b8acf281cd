package taskapi_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ent0n29/novel2anime/internal/taskapi"
	"github.com/ent0n29/novel2anime/internal/taskapi/apitest"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

func TestClientCreateGetArtifacts(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()
	srv.SetDefaultDoneAfter(2)
	c := taskapi.NewClient(srv.URL(), 5*time.Second, nil)
	ctx := context.Background()

	id, err := c.CreateTask(ctx, "My Story", "once upon a time")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	got, err := c.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != tasks.StatusDoing || got.Name != "My Story" {
		t.Fatalf("GetTask() = %+v, want doing task named My Story", got)
	}

	if _, err := c.GetArtifacts(ctx, id); err == nil {
		t.Fatalf("GetArtifacts() before done error = nil, want APIError")
	}

	got, err = c.GetTask(ctx, id)
	if err != nil || got.Status != tasks.StatusDone {
		t.Fatalf("GetTask() = %+v, %v; want done", got, err)
	}

	art, err := c.GetArtifacts(ctx, id)
	if err != nil {
		t.Fatalf("GetArtifacts() error = %v", err)
	}
	if art.Len() != 1 || len(art.Scenes[0].Dialogues) != 3 {
		t.Fatalf("GetArtifacts() = %+v, want one scene with three dialogues", art)
	}
	if art.Scenes[0].Dialogues[0].VoiceURL != srv.SampleURL() {
		t.Fatalf("VoiceURL = %q, want %q", art.Scenes[0].Dialogues[0].VoiceURL, srv.SampleURL())
	}
}

func TestClientListAndDelete(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()
	srv.Seed("t-1", "", tasks.StatusDoing, 0, 1)
	srv.Seed("t-2", "second", tasks.StatusDone, 0, 1)
	c := taskapi.NewClient(srv.URL(), 5*time.Second, nil)
	ctx := context.Background()

	list, err := c.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "t-1" || list[1].Status != tasks.StatusDone {
		t.Fatalf("ListTasks() = %+v, want server order", list)
	}

	if err := c.DeleteTask(ctx, "t-1"); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	err = c.DeleteTask(ctx, "t-1")
	var apiErr *taskapi.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("DeleteTask(missing) error = %v, want 404 APIError", err)
	}
}

func TestClientErrorClassification(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()
	srv.Seed("t-1", "x", tasks.StatusDoing, 0, 1)
	c := taskapi.NewClient(srv.URL(), 5*time.Second, nil)
	ctx := context.Background()

	srv.FailNext(apitest.RouteGet, http.StatusServiceUnavailable, 1)
	_, err := c.GetTask(ctx, "t-1")
	var apiErr *taskapi.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("GetTask() error = %v, want APIError", err)
	}
	if !apiErr.Transient() || apiErr.Message != "injected failure" {
		t.Fatalf("APIError = %+v, want transient with server message", apiErr)
	}

	srv.SetRawStatus("t-1", "exploded")
	_, err = c.GetTask(ctx, "t-1")
	if !errors.As(err, &apiErr) || apiErr.Transient() {
		t.Fatalf("GetTask(unknown status) error = %v, want non-transient APIError", err)
	}

	srv.SetRawStatus("t-1", "")
	got, err := c.GetTask(ctx, "t-1")
	if err != nil || got.Status != tasks.StatusPending {
		t.Fatalf("GetTask(empty status) = %+v, %v; want pending", got, err)
	}
}

func TestClientTransportFailureIsTransient(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	c := taskapi.NewClient(url, time.Second, nil)
	_, err := c.ListTasks(context.Background())
	var apiErr *taskapi.APIError
	if !errors.As(err, &apiErr) || !apiErr.Transient() {
		t.Fatalf("ListTasks() error = %v, want transient APIError", err)
	}
}

func TestClientCanceledContextReturnsCanceled(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()
	release := srv.Hold(apitest.RouteList)
	defer release()
	c := taskapi.NewClient(srv.URL(), 5*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.ListTasks(ctx)
		done <- err
	}()
	for srv.Count(apitest.RouteList) == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("ListTasks() error = %v, want context.Canceled", err)
	}
}
