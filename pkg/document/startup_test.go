package document

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRegistry struct {
	mu    sync.Mutex
	tasks []QueryTask
	err   error
}

func (f *fakeRegistry) RegisterQueryTask(_ context.Context, task QueryTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeRegistry) registered() []QueryTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]QueryTask(nil), f.tasks...)
}

type fixedReader struct {
	state State
	err   error
}

func (r *fixedReader) ReadState(context.Context, string) (State, error) {
	return r.state, r.err
}

func TestStartRejectsMissingBody(t *testing.T) {
	c := NewCoordinator(&fakeRegistry{}, nil, nil)
	_, err := c.Start(context.Background(), "doc-1", StartRequest{}, Options{})
	var argErr *ArgumentError
	if !errors.As(err, &argErr) {
		t.Fatalf("err = %v, want ArgumentError", err)
	}
	if argErr.Response.Message != "body is required" {
		t.Fatalf("message = %q", argErr.Response.Message)
	}
}

func TestStartRegistersTaskAndConverges(t *testing.T) {
	reg := &fakeRegistry{}
	c := NewCoordinator(reg, nil, nil)

	r, err := c.Start(context.Background(), "doc-1", StartRequest{Payload: "x"}, Options{OwnerSelection: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Close()

	tasks := reg.registered()
	if len(tasks) != 1 {
		t.Fatalf("registered %d tasks, want 1", len(tasks))
	}
	task := tasks[0]
	if task.Kind != Kind {
		t.Fatalf("task kind = %q", task.Kind)
	}
	if until := time.Until(task.Expiration); until < time.Hour {
		t.Fatalf("task expires in %s, must far outlive operation timeouts", until)
	}

	waitFor(t, time.Second, "stable phase", func() bool { return r.Phase() == PhaseStable })
	s := r.Snapshot()
	if s.Payload != "doc-1" {
		t.Fatalf("payload = %q, want identity sentinel", s.Payload)
	}
	if !strings.HasPrefix(s.LinkedTaskRef, QueryTaskPathPrefix) || !strings.HasSuffix(s.LinkedTaskRef, task.ID) {
		t.Fatalf("linkedTaskRef = %q, want ref to task %s", s.LinkedTaskRef, task.ID)
	}
}

func TestStartPopulatesFreshPayload(t *testing.T) {
	// Without owner selection the first patch still lands, but nothing
	// self-converges: the applied payload must be a fresh random value,
	// independent of the requested body and not the sentinel.
	c := NewCoordinator(&fakeRegistry{}, nil, nil)
	r, err := c.Start(context.Background(), "doc-1", StartRequest{Payload: "x"}, Options{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Close()

	waitFor(t, time.Second, "first patch", func() bool { return r.Snapshot().Version > 0 })
	s := r.Snapshot()
	if s.Payload == "x" || s.Payload == "doc-1" || s.Payload == "" {
		t.Fatalf("payload = %q, want a fresh random value", s.Payload)
	}
}

func TestStartSkipsSelfPatchWhenReplicationBorn(t *testing.T) {
	cases := []StartRequest{
		{Payload: "x", FromReplication: true},
		{Payload: "x", Version: 3},
	}
	for _, req := range cases {
		c := NewCoordinator(&fakeRegistry{}, nil, nil)
		r, err := c.Start(context.Background(), "doc-1", req, Options{OwnerSelection: true})
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		if s := r.Snapshot(); s.Payload != "x" || r.Phase() != PhaseInitializing {
			t.Fatalf("req %+v: replica moved to %+v phase %v, want untouched", req, s, r.Phase())
		}
		r.Close()
	}
}

func TestStrictStartStampsObservedVersion(t *testing.T) {
	c := NewCoordinator(&fakeRegistry{}, nil, nil)
	r, err := c.Start(context.Background(), "doc-1", StartRequest{Payload: "x"}, Options{StrictUpdateChecking: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Close()

	// Read-back observes version 0, the stamped patch lands, and strict
	// mode issues no follow-up.
	waitFor(t, time.Second, "stamped first patch", func() bool { return r.Snapshot().Version == 1 })
	time.Sleep(20 * time.Millisecond)
	if v := r.Snapshot().Version; v != 1 {
		t.Fatalf("version = %d, want exactly the one stamped patch", v)
	}
	if r.Phase() != PhaseConverging {
		t.Fatalf("phase = %v", r.Phase())
	}
}

func TestStrictStartLosesVersionRace(t *testing.T) {
	// A reader observing a version the replica has already moved past
	// makes the stamped patch fail; the failure aborts only that cycle.
	c := NewCoordinator(&fakeRegistry{}, &fixedReader{state: State{Identity: "doc-1", Version: 7}}, nil)
	r, err := c.Start(context.Background(), "doc-1", StartRequest{Payload: "x"}, Options{StrictUpdateChecking: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Close()

	time.Sleep(30 * time.Millisecond)
	if s := r.Snapshot(); s.Version != 0 || r.Phase() != PhaseInitializing {
		t.Fatalf("state = %+v phase %v, want untouched after losing the race", s, r.Phase())
	}
}

func TestStartSurvivesRegistrationFailure(t *testing.T) {
	reg := &fakeRegistry{err: errors.New("registry down")}
	c := NewCoordinator(reg, nil, nil)
	r, err := c.Start(context.Background(), "doc-1", StartRequest{Payload: "x"}, Options{OwnerSelection: true})
	if err != nil {
		t.Fatalf("start must confirm despite registration failure, got %v", err)
	}
	defer r.Close()

	// The link is recorded regardless, so convergence still completes.
	waitFor(t, time.Second, "stable phase", func() bool { return r.Phase() == PhaseStable })
}
