package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"task-pipeline/domain"
)

func newTestRouter() (*Router, *Registry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	reg := NewRegistry(logger)
	r := NewRouter(reg, logger)
	r.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	return r, reg, hook
}

func decodeFrame(t *testing.T, payload []byte) domain.Notification {
	t.Helper()
	var n domain.Notification
	if err := sonic.Unmarshal(payload, &n); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	return n
}

func TestRouteDeliversToEveryConnectionOfSubject(t *testing.T) {
	r, reg, _ := newTestRouter()
	a1, a2, b := &memSink{}, &memSink{}, &memSink{}
	_ = reg.Register("a1", "alice", a1)
	_ = reg.Register("a2", "alice", a2)
	_ = reg.Register("b1", "bob", b)

	env := domain.Created("alice", domain.Task{ID: "t1", Title: "Buy milk"})
	if err := r.Route(context.Background(), env); err != nil {
		t.Fatalf("route: %v", err)
	}

	for _, s := range []*memSink{a1, a2} {
		frames := s.Frames()
		if len(frames) != 1 {
			t.Fatalf("expected one frame, got %d", len(frames))
		}
		n := decodeFrame(t, frames[0])
		if n.Message != "Task created: Buy milk" || n.Type != domain.TaskCreated {
			t.Fatalf("unexpected notification: %#v", n)
		}
		if n.Event == nil || n.Event.UserID != "alice" {
			t.Fatalf("expected originating event, got %#v", n.Event)
		}
	}
	if len(b.Frames()) != 0 {
		t.Fatalf("other subjects must not receive the event")
	}
}

func TestRouteMessageMapping(t *testing.T) {
	cases := []struct {
		env  domain.Envelope
		want string
	}{
		{domain.Updated("alice", domain.Task{ID: "t1", Title: "Renamed"}), "Task updated: Renamed"},
		{domain.Deleted("alice", "t1"), "Task deleted: t1"},
		{domain.Envelope{Type: "task.shared", UserID: "alice"}, "Task event"},
	}
	for _, c := range cases {
		r, reg, _ := newTestRouter()
		s := &memSink{}
		_ = reg.Register("a1", "alice", s)
		if err := r.Route(context.Background(), c.env); err != nil {
			t.Fatalf("route: %v", err)
		}
		frames := s.Frames()
		if len(frames) != 1 {
			t.Fatalf("%s: expected one frame, got %d", c.env.Type, len(frames))
		}
		if n := decodeFrame(t, frames[0]); n.Message != c.want {
			t.Fatalf("%s: message = %q, want %q", c.env.Type, n.Message, c.want)
		}
	}
}

func TestRouteMissingUserIsDropped(t *testing.T) {
	r, reg, hook := newTestRouter()
	s := &memSink{}
	_ = reg.Register("a1", "alice", s)

	if err := r.Route(context.Background(), domain.Envelope{Type: domain.TaskCreated}); err != nil {
		t.Fatalf("missing userId should not be an error: %v", err)
	}
	if len(s.Frames()) != 0 {
		t.Fatalf("no connection should receive an event without a subject")
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("expected a warning, got %#v", entry)
	}
}

func TestRouteWithoutConnectionsIsSilent(t *testing.T) {
	r, _, hook := newTestRouter()
	if err := r.Route(context.Background(), domain.Deleted("nobody", "t1")); err != nil {
		t.Fatalf("route: %v", err)
	}
	for _, e := range hook.AllEntries() {
		if e.Level <= log.WarnLevel {
			t.Fatalf("unexpected log for subject without connections: %s", e.Message)
		}
	}
}

func TestDeliverSkipsFullConnections(t *testing.T) {
	r, reg, _ := newTestRouter()
	ok, full := &memSink{}, &memSink{full: true}
	_ = reg.Register("a1", "alice", ok)
	_ = reg.Register("a2", "alice", full)

	if got := r.Deliver("alice", domain.Info("hi", time.Now())); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if len(ok.Frames()) != 1 {
		t.Fatalf("healthy connection should still receive the frame")
	}
}

func TestNotifyDirectSend(t *testing.T) {
	r, reg, _ := newTestRouter()
	s := &memSink{}
	_ = reg.Register("a1", "alice", s)

	if err := r.Notify(context.Background(), "alice", "hello there"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	n := decodeFrame(t, s.Frames()[0])
	if n.Type != domain.NotificationInfo || n.Message != "hello there" || n.Event != nil {
		t.Fatalf("unexpected notification: %#v", n)
	}

	if err := r.Notify(context.Background(), "", "x"); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
	if err := r.Notify(context.Background(), "alice", ""); !errors.Is(err, ErrMissingMessage) {
		t.Fatalf("expected ErrMissingMessage, got %v", err)
	}
}

type captureOutlet struct {
	users []string
	notes []domain.Notification
	err   error
}

func (o *captureOutlet) Send(ctx context.Context, userID string, n domain.Notification) error {
	o.users = append(o.users, userID)
	o.notes = append(o.notes, n)
	return o.err
}

func TestRouteUsesOutlet(t *testing.T) {
	r, reg, _ := newTestRouter()
	s := &memSink{}
	_ = reg.Register("a1", "alice", s)
	out := &captureOutlet{}
	r.SetOutlet(out)

	if err := r.Route(context.Background(), domain.Deleted("alice", "t1")); err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(out.users) != 1 || out.users[0] != "alice" {
		t.Fatalf("expected outlet to receive the notification, got %v", out.users)
	}
	if len(s.Frames()) != 0 {
		t.Fatalf("outlet routing must not deliver locally")
	}

	out.err = errors.New("redis down")
	if err := r.Route(context.Background(), domain.Deleted("alice", "t2")); err == nil {
		t.Fatalf("expected outlet error to surface")
	}
}
