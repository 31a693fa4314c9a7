package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"kairo/internal/models"
	"kairo/internal/protocol"
)

type mockWS struct {
	readCh      chan []byte
	writeCh     chan []byte
	closeCh     chan struct{}
	mu          sync.Mutex
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan []byte, 10),
		writeCh: make(chan []byte, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockWS) WriteMessage(_ int, data []byte) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- data
	return nil
}

func (m *mockWS) ReadMessage() (int, []byte, error) {
	if m.errToReturn != nil {
		return 0, nil, m.errToReturn
	}
	select {
	case msg, ok := <-m.readCh:
		if !ok {
			return 0, nil, errors.New("closed")
		}
		return 1, msg, nil
	case <-m.closeCh:
		return 0, nil, errors.New("connection closed")
	}
}

type call struct {
	method string
	args   []any
}

type mockHub struct {
	connectCh    chan models.Identity
	disconnectCh chan string
	calls        chan call
	outbox       chan []byte
	errToReturn  error
}

func newMockHub() *mockHub {
	return &mockHub{
		connectCh:    make(chan models.Identity, 10),
		disconnectCh: make(chan string, 10),
		calls:        make(chan call, 10),
		outbox:       make(chan []byte, 10),
	}
}

func (m *mockHub) Connect(identity models.Identity) (string, <-chan []byte) {
	m.connectCh <- identity
	return "conn-" + identity.UserID, m.outbox
}

func (m *mockHub) Disconnect(connID string) {
	m.disconnectCh <- connID
}

func (m *mockHub) Join(_ context.Context, connID, spec string) error {
	m.calls <- call{"Join", []any{connID, spec}}
	return m.errToReturn
}

func (m *mockHub) Send(_ context.Context, connID, text string) error {
	m.calls <- call{"Send", []any{connID, text}}
	return m.errToReturn
}

func (m *mockHub) SendPrivate(_ context.Context, connID, receiverID, text string) error {
	m.calls <- call{"SendPrivate", []any{connID, receiverID, text}}
	return m.errToReturn
}

func (m *mockHub) Acknowledge(_ context.Context, connID string, messageID int64, status models.Status) error {
	m.calls <- call{"Acknowledge", []any{connID, messageID, status}}
	return m.errToReturn
}

func expectCall(t *testing.T, hub *mockHub, method string, args ...any) {
	t.Helper()
	select {
	case c := <-hub.calls:
		if c.method != method {
			t.Fatalf("expected %s, got %s", method, c.method)
		}
		if len(c.args) != len(args) {
			t.Fatalf("%s: expected args %v, got %v", method, args, c.args)
		}
		for i := range args {
			if c.args[i] != args[i] {
				t.Errorf("%s: arg %d: expected %v, got %v", method, i, args[i], c.args[i])
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("hub did not receive %s", method)
	}
}

func expectError(t *testing.T, ws *mockWS, event string, code models.Code) {
	t.Helper()
	select {
	case data := <-ws.writeCh:
		var frame struct {
			Event string                `json:"event"`
			Data  protocol.ErrorPayload `json:"data"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("failed to decode frame %s: %v", data, err)
		}
		if frame.Event != protocol.EventError {
			t.Fatalf("expected error event, got %s", data)
		}
		if frame.Data.Event != event || frame.Data.Code != code {
			t.Errorf("expected error %s/%s, got %+v", event, code, frame.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("WS did not receive error event")
	}
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	identity := models.Identity{UserID: "user1", Username: "alice"}

	conn := NewConnection(hub, ws, identity)
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	select {
	case got := <-hub.connectCh:
		if got != identity {
			t.Errorf("Expected Connect with %+v, got %+v", identity, got)
		}
	default:
		t.Error("Connect not called on NewConnection")
	}
	if conn.ID() != "conn-user1" {
		t.Errorf("unexpected connection id %s", conn.ID())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// 1. Client -> Hub
	ws.readCh <- []byte(`{"event":"join","data":{"room":"general"}}`)
	expectCall(t, hub, "Join", "conn-user1", "general")

	ws.readCh <- []byte(`{"event":"message","data":"hello"}`)
	expectCall(t, hub, "Send", "conn-user1", "hello")

	ws.readCh <- []byte(`{"event":"private-message","data":{"receiverId":"user2","text":"psst"}}`)
	expectCall(t, hub, "SendPrivate", "conn-user1", "user2", "psst")

	ws.readCh <- []byte(`{"event":"message-read","data":{"messageId":5}}`)
	expectCall(t, hub, "Acknowledge", "conn-user1", int64(5), models.StatusRead)

	// 2. Hub -> Client, bytes are written untouched
	payload := protocol.NoticeFrame(protocol.EventUserJoined, "bob joined")
	hub.outbox <- payload
	select {
	case received := <-ws.writeCh:
		if string(received) != string(payload) {
			t.Errorf("WS received %s, want %s", received, payload)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive server message")
	}

	// 3. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	select {
	case id := <-hub.disconnectCh:
		if id != "conn-user1" {
			t.Errorf("Expected Disconnect with conn-user1, got %s", id)
		}
	default:
		t.Error("Disconnect not called")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}

	// Cleanup runs once.
	conn.Close()
	select {
	case id := <-hub.disconnectCh:
		t.Errorf("Disconnect called twice for %s", id)
	default:
	}
}

func TestConnection_BadFramesDoNotCloseConnection(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	conn := NewConnection(hub, ws, models.Identity{UserID: "user1", Username: "alice"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	ws.readCh <- []byte(`not json`)
	expectError(t, ws, "", models.CodeInvalidPayload)

	ws.readCh <- []byte(`{"event":"join","data":{}}`)
	expectError(t, ws, protocol.EventJoin, models.CodeInvalidPayload)

	ws.readCh <- []byte(`{"event":"dance","data":{}}`)
	expectError(t, ws, "dance", models.CodeInvalidPayload)

	// Hub errors are reported to the sender only.
	hub.errToReturn = models.ErrNotJoined
	ws.readCh <- []byte(`{"event":"message","data":"hello"}`)
	expectCall(t, hub, "Send", "conn-user1", "hello")
	expectError(t, ws, protocol.EventMessage, models.CodeNotJoined)

	// The connection still works.
	hub.errToReturn = nil
	ws.readCh <- []byte(`{"event":"message","data":"again"}`)
	expectCall(t, hub, "Send", "conn-user1", "again")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after cancel")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, models.Identity{UserID: "user2", Username: "bob"})

	// Simulate ReadMessage error immediately
	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
	select {
	case <-hub.disconnectCh:
	default:
		t.Error("Disconnect not called after read error")
	}
}
