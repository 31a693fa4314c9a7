package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"kairo/internal/models"
	"kairo/internal/protocol"

	"github.com/gorilla/websocket"
)

type wsConnection interface {
	Close() error
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
}

type messageHub interface {
	Connect(identity models.Identity) (string, <-chan []byte)
	Disconnect(connID string)
	Join(ctx context.Context, connID, spec string) error
	Send(ctx context.Context, connID, text string) error
	SendPrivate(ctx context.Context, connID, receiverID, text string) error
	Acknowledge(ctx context.Context, connID string, messageID int64, status models.Status) error
}

type handlerFunc func(ctx context.Context, c *Connection, in protocol.Inbound) error

// handlers maps inbound event names to their handlers.
var handlers = map[string]handlerFunc{
	protocol.EventJoin: func(ctx context.Context, c *Connection, in protocol.Inbound) error {
		return c.hub.Join(ctx, c.connID, in.(protocol.Join).Room)
	},
	protocol.EventMessage: func(ctx context.Context, c *Connection, in protocol.Inbound) error {
		return c.hub.Send(ctx, c.connID, in.(protocol.Send).Text)
	},
	protocol.EventPrivateMessage: func(ctx context.Context, c *Connection, in protocol.Inbound) error {
		msg := in.(protocol.SendPrivate)
		return c.hub.SendPrivate(ctx, c.connID, msg.ReceiverID, msg.Text)
	},
	protocol.EventMessageDelivered: acknowledge,
	protocol.EventMessageRead:      acknowledge,
}

func acknowledge(ctx context.Context, c *Connection, in protocol.Inbound) error {
	ack := in.(protocol.Acknowledge)
	return c.hub.Acknowledge(ctx, c.connID, ack.MessageID, ack.Status)
}

type Connection struct {
	ws       wsConnection
	hub      messageHub
	identity models.Identity
	connID   string
	logger   *slog.Logger

	fromServer <-chan []byte
	// replies carries error events produced by the read pump to the write loop.
	replies chan []byte
	errorCh chan error

	cleanup sync.Once
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	identity models.Identity,
) *Connection {
	connID, fromServer := hub.Connect(identity)
	return &Connection{
		ws:         ws,
		hub:        hub,
		identity:   identity,
		connID:     connID,
		logger:     slog.With("conn_id", connID, "user_id", identity.UserID),
		fromServer: fromServer,
		replies:    make(chan []byte, 16),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) ID() string {
	return c.connID
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer c.Close()
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	cancel()
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !isCloseError(err) {
		return err
	}

	return nil
}

// Close unregisters the connection from the hub. Only the first call has an effect.
func (c *Connection) Close() {
	c.cleanup.Do(func() {
		c.hub.Disconnect(c.connID)
	})
}

// pumpMessages reads client frames and dispatches them one at a time, so a
// client's operations are applied in the order it sent them.
func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if err := c.processClientMessage(ctx, data); err != nil {
			return err
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg, ok := <-c.fromServer:
			if !ok {
				return nil
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		case msg := <-c.replies:
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientMessage handles one frame. Failures are reported to the client
// as error events; only a cancelled context stops the pump.
func (c *Connection) processClientMessage(ctx context.Context, data []byte) error {
	in, err := protocol.Decode(data)
	if err != nil {
		var decodeErr *protocol.DecodeError
		event := ""
		if errors.As(err, &decodeErr) {
			event = decodeErr.Event
		}
		return c.reply(ctx, protocol.ErrorFrame(event, err))
	}

	handler, ok := handlers[in.Event()]
	if !ok {
		return c.reply(ctx, protocol.ErrorFrame(in.Event(), models.InvalidPayload("unsupported event %q", in.Event())))
	}

	if err := handler(ctx, c, in); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if models.CodeOf(err) == models.CodeInternal || models.IsRetryable(err) {
			c.logger.Error("event failed", "event", in.Event(), "error", err)
		} else {
			c.logger.Debug("event rejected", "event", in.Event(), "error", err)
		}
		return c.reply(ctx, protocol.ErrorFrame(in.Event(), err))
	}
	return nil
}

func (c *Connection) reply(ctx context.Context, payload []byte) error {
	select {
	case c.replies <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
