package state

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func newTestBroker(t *testing.T, tmpl Template) (*Broker, *Scope) {
	t.Helper()
	root := newTestScope(t)
	s, err := root.child()
	if err != nil {
		t.Fatalf("child failed: %v", err)
	}
	b := newBroker("test", tmpl, s)
	b.markInitialized()
	return b, root
}

func recordNotifications(b *Broker) func() []Notification {
	var mu sync.Mutex
	var got []Notification
	b.Listeners().Add(0, func(n Notification) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})
	return func() []Notification {
		mu.Lock()
		defer mu.Unlock()
		return append([]Notification(nil), got...)
	}
}

func TestBroker_NoOpWriteIsIgnored(t *testing.T) {
	b, root := newTestBroker(t, Template{"a": 1, "b": "x"})
	notifications := recordNotifications(b)

	if err := b.SetState(b.GetState()); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	idle(t, root)

	if b.Version() != 0 {
		t.Errorf("expected version 0, got %d", b.Version())
	}
	if n := len(notifications()); n != 0 {
		t.Errorf("expected no notifications, got %d", n)
	}
	if b.setCalls.Load() != 1 {
		t.Errorf("expected the call to be counted, got %d", b.setCalls.Load())
	}
}

func TestBroker_DerivedRecomputation(t *testing.T) {
	b, _ := newTestBroker(t, Template{
		"first": "Ada",
		"last":  "Lovelace",
		"full": Deriver(func(s State) any {
			return ValueOr(s, "first", "") + " " + ValueOr(s, "last", "")
		}),
	})

	if got := b.GetState()["full"]; got != "Ada Lovelace" {
		t.Fatalf("expected initial derived value, got %v", got)
	}

	for _, first := range []string{"Grace", "Alan", "Grace"} {
		if err := b.SetState(State{"first": first}); err != nil {
			t.Fatalf("SetState failed: %v", err)
		}
		if got := b.GetState()["full"]; got != first+" Lovelace" {
			t.Errorf("expected %q, got %v", first+" Lovelace", got)
		}
	}
	if b.Version() != 3 {
		t.Errorf("expected 3 versions, got %d", b.Version())
	}
}

func TestBroker_ProtectedField(t *testing.T) {
	b, _ := newTestBroker(t, Template{
		"n": 1,
		"double": Deriver(func(s State) any {
			return ValueOr(s, "n", 0) * 2
		}),
	})

	err := b.SetState(State{"double": 10})
	var pfe *ProtectedFieldError
	if !errors.As(err, &pfe) {
		t.Fatalf("expected ProtectedFieldError, got %v", err)
	}
	if pfe.Key != "double" || !strings.Contains(err.Error(), "double") {
		t.Errorf("unexpected error: %v", err)
	}

	// the broker's own initial state is exempt
	if err := b.SetState(b.tmpl.initial); err != nil {
		t.Errorf("expected initial state write to pass, got %v", err)
	}
	// an equal copy is not
	if err := b.SetState(b.InitialState()); !errors.As(err, &pfe) {
		t.Errorf("expected copy of initial state to be rejected, got %v", err)
	}
}

func TestBroker_IdentityComparison(t *testing.T) {
	tags := []string{"a"}
	b, _ := newTestBroker(t, Template{
		"tags": tags,
		"opts": DeepCompare(map[string]any{"dark": true}),
	})

	if err := b.SetState(State{"tags": tags}); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if b.Version() != 0 {
		t.Errorf("expected same slice to be a no-op, got version %d", b.Version())
	}

	if err := b.SetState(State{"tags": []string{"a"}}); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if b.Version() != 1 {
		t.Errorf("expected new slice to count as a change, got version %d", b.Version())
	}

	if err := b.SetState(State{"opts": map[string]any{"dark": true}}); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if b.Version() != 1 {
		t.Errorf("expected deep-equal map to be a no-op, got version %d", b.Version())
	}

	if err := b.SetState(State{"opts": map[string]any{"dark": false}}); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if b.Version() != 2 {
		t.Errorf("expected changed map to count, got version %d", b.Version())
	}
}

func TestBroker_NonIncrementalRemovesFields(t *testing.T) {
	b, _ := newTestBroker(t, Template{"a": 1})

	if err := b.SetState(State{"b": 2, "c": nil}); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if err := b.SetState(State{"a": 1}, Incremental(false)); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	st := b.GetState()
	if _, ok := st["b"]; ok {
		t.Errorf("expected b removed, got %v", st)
	}
	if st["a"] != 1 {
		t.Errorf("expected a kept, got %v", st)
	}
}

func TestBroker_CoalescesWritesWithinATurn(t *testing.T) {
	b, root := newTestBroker(t, Template{"a": 0, "b": 0, "c": 0})
	notifications := recordNotifications(b)

	errs := make(chan error, 1)
	if err := root.Scheduler().Post(func() {
		for _, k := range []string{"a", "b", "c"} {
			if err := b.SetState(State{k: 1}); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	idle(t, root)

	got := notifications()
	if len(got) != 1 {
		t.Fatalf("expected one notification, got %d", len(got))
	}
	n := got[0]
	if strings.Join(n.ChangedKeys, ",") != "a,b,c" {
		t.Errorf("expected changed keys a,b,c, got %v", n.ChangedKeys)
	}
	if n.Version != 3 {
		t.Errorf("expected version 3, got %d", n.Version)
	}
	if n.NewState["a"] != 1 || n.NewState["c"] != 1 {
		t.Errorf("expected merged final state, got %v", n.NewState)
	}
	if n.External {
		t.Error("expected internal notification")
	}
}

func TestBroker_ExternalNotification(t *testing.T) {
	b, root := newTestBroker(t, Template{"a": 0})
	notifications := recordNotifications(b)

	if err := b.SetState(State{"a": 1}, WithSource("sync:1")); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	idle(t, root)

	got := notifications()
	if len(got) != 1 {
		t.Fatalf("expected one notification, got %d", len(got))
	}
	if !got[0].External || strings.Join(got[0].Sources, ",") != "sync:1" {
		t.Errorf("expected external notification from sync:1, got %+v", got[0])
	}
}

func TestBroker_NotificationsAreCopies(t *testing.T) {
	b, root := newTestBroker(t, Template{"a": 0})

	b.Listeners().Add(0, func(n Notification) {
		n.NewState["a"] = "tampered"
	})
	if err := b.SetState(State{"a": 1}); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	idle(t, root)

	if got := b.GetState()["a"]; got != 1 {
		t.Errorf("expected listener mutation not to leak, got %v", got)
	}
}

func TestBroker_GoneAfterDispose(t *testing.T) {
	b, _ := newTestBroker(t, Template{"a": 0})
	b.dispose()

	if err := b.SetState(State{"a": 1}); !errors.Is(err, ErrBrokerGone) {
		t.Errorf("expected ErrBrokerGone, got %v", err)
	}
	if err := b.ResetState(false); !errors.Is(err, ErrBrokerGone) {
		t.Errorf("expected ErrBrokerGone from reset, got %v", err)
	}
}

func TestBroker_ImportUnknownName(t *testing.T) {
	b, _ := newTestBroker(t, Template{})

	var npe *NoProviderError
	if _, err := b.Import("Elsewhere"); !errors.As(err, &npe) || npe.Name != "Elsewhere" {
		t.Errorf("expected NoProviderError, got %v", err)
	}
}

func TestBroker_ImportOfUnmountedBroker(t *testing.T) {
	b, _ := newTestBroker(t, Template{})
	other, _ := newTestBroker(t, Template{"x": 1})
	b.imports["Other"] = other

	if imp, err := b.Import("Other"); err != nil || imp.State["x"] != 1 {
		t.Fatalf("expected import to work, got %v %v", imp, err)
	}

	other.dispose()
	if _, err := b.Import("Other"); !errors.Is(err, ErrBrokerGone) {
		t.Errorf("expected ErrBrokerGone, got %v", err)
	}
}

func TestBroker_GetStateReturnsCopy(t *testing.T) {
	b, _ := newTestBroker(t, Template{"a": 1})

	st := b.GetState()
	st["a"] = 2
	st["b"] = 3

	if got := b.GetState(); got["a"] != 1 || len(got) != 1 {
		t.Errorf("expected broker state untouched, got %v", got)
	}
}
