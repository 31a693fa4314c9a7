package chat

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

type delivery struct {
	receiverID string
	payload    string
}

type recorder struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recorder) callback(receiverID, _ string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{receiverID: receiverID, payload: string(payload)})
}

func (r *recorder) deliveredTo(receiverID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, d := range r.got {
		if d.receiverID == receiverID {
			out = append(out, d.payload)
		}
	}
	return out
}

func TestNew(t *testing.T) {
	c := New(Config{Key: "room:general"})
	if c == nil {
		t.Fatal("New returned nil")
	}
	if c.Key != "room:general" {
		t.Errorf("expected key room:general, got %s", c.Key)
	}
	if c.Members == nil {
		t.Error("Members map not initialized")
	}
}

func TestChat_Join(t *testing.T) {
	rec := &recorder{}
	c := New(Config{Key: "room:general", DeliverCallback: rec.callback})

	if err := c.Join("c1", func() ([]byte, error) { return []byte("history-1"), nil }, []byte("c1 joined")); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := c.Join("c2", func() ([]byte, error) { return []byte("history-2"), nil }, []byte("c2 joined")); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if got := rec.deliveredTo("c1"); len(got) != 2 || got[0] != "history-1" || got[1] != "c2 joined" {
		t.Errorf("unexpected deliveries for c1: %v", got)
	}
	// The joiner never receives its own notice.
	if got := rec.deliveredTo("c2"); len(got) != 1 || got[0] != "history-2" {
		t.Errorf("unexpected deliveries for c2: %v", got)
	}

	// Rejoining resends history without a notice.
	if err := c.Join("c2", func() ([]byte, error) { return []byte("history-3"), nil }, []byte("c2 joined")); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if got := rec.deliveredTo("c1"); len(got) != 2 {
		t.Errorf("rejoin notified other members: %v", got)
	}
	if got := rec.deliveredTo("c2"); len(got) != 2 || got[1] != "history-3" {
		t.Errorf("rejoin did not resend history: %v", got)
	}
}

func TestChat_JoinFailureRegistersNothing(t *testing.T) {
	rec := &recorder{}
	c := New(Config{Key: "room:general", DeliverCallback: rec.callback})
	wantErr := errors.New("store down")

	err := c.Join("c1", func() ([]byte, error) { return nil, wantErr }, []byte("joined"))
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if c.Members["c1"] {
		t.Error("member registered despite failed prepare")
	}
	if len(rec.got) != 0 {
		t.Errorf("unexpected deliveries: %v", rec.got)
	}
}

func TestChat_Publish(t *testing.T) {
	rec := &recorder{}
	c := New(Config{Key: "room:general", DeliverCallback: rec.callback})
	_ = c.Join("c1", nil, nil)
	_ = c.Join("c2", nil, nil)

	if err := c.Publish("c1", func() ([]byte, error) { return []byte("hello"), nil }); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	for _, id := range []string{"c1", "c2"} {
		if got := rec.deliveredTo(id); len(got) != 1 || got[0] != "hello" {
			t.Errorf("%s: expected [hello], got %v", id, got)
		}
	}

	err := c.Publish("c1", func() ([]byte, error) { return nil, errors.New("append failed") })
	if err == nil {
		t.Fatal("expected error from failed persist")
	}
	if got := rec.deliveredTo("c1"); len(got) != 1 {
		t.Errorf("failed persist was broadcast: %v", got)
	}

	err = c.Publish("c3", func() ([]byte, error) { t.Error("persist ran for a non-member"); return nil, nil })
	if !errors.Is(err, ErrNotMember) {
		t.Errorf("expected ErrNotMember, got %v", err)
	}
}

func TestChat_PublishOrder(t *testing.T) {
	rec := &recorder{}
	c := New(Config{Key: "room:general", DeliverCallback: rec.callback})
	_ = c.Join("c1", nil, nil)
	_ = c.Join("c2", nil, nil)

	var (
		seqMu sync.Mutex
		seq   int
		wg    sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Go(func() {
			_ = c.Publish("c1", func() ([]byte, error) {
				seqMu.Lock()
				defer seqMu.Unlock()
				seq++
				return []byte(fmt.Sprintf("%03d", seq)), nil
			})
		})
	}
	wg.Wait()

	for _, id := range []string{"c1", "c2"} {
		got := rec.deliveredTo(id)
		if len(got) != 20 {
			t.Fatalf("%s: expected 20 deliveries, got %d", id, len(got))
		}
		for i := 1; i < len(got); i++ {
			if got[i-1] >= got[i] {
				t.Fatalf("%s: out of order delivery %s before %s", id, got[i-1], got[i])
			}
		}
	}
}

func TestChat_LeaveAndClose(t *testing.T) {
	rec := &recorder{}
	c := New(Config{Key: "room:general", DeliverCallback: rec.callback})
	_ = c.Join("c1", nil, nil)
	_ = c.Join("c2", nil, nil)

	if c.Close() {
		t.Error("closed a chat with members")
	}
	if !c.Leave("c1", []byte("c1 left")) {
		t.Error("Leave reported c1 as not subscribed")
	}
	if c.Leave("c1", []byte("c1 left")) {
		t.Error("second Leave reported success")
	}
	if got := rec.deliveredTo("c2"); len(got) != 1 || got[0] != "c1 left" {
		t.Errorf("expected leave notice for c2, got %v", got)
	}
	if got := rec.deliveredTo("c1"); len(got) != 0 {
		t.Errorf("departed member got deliveries: %v", got)
	}

	c.Leave("c2", nil)
	if !c.Close() {
		t.Fatal("empty chat did not close")
	}
	if err := c.Join("c3", nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := c.Publish("c1", func() ([]byte, error) { t.Error("persist ran on closed chat"); return nil, nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
