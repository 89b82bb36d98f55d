package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"anon-forum/internal/feed"
	"anon-forum/internal/identity"
	"anon-forum/internal/models"
	"anon-forum/internal/utils"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBuffer = 64
)

// Client is a middleman between the websocket connection and the hub. Each
// client owns a feed view and a detail view; subscribing again in a view
// replaces what it showed.
type Client struct {
	Hub *Hub

	// The identity this client represents.
	UserID string
	token  string

	// The websocket connection.
	Conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	feedView   *feed.View[*models.Post]
	detailView *feed.View[*models.Reply]

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// Attach registers conn for id and starts its pumps. It returns nil if the
// hub has stopped.
func (h *Hub) Attach(conn *websocket.Conn, id *identity.Identity, token string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		Hub:        h,
		UserID:     id.UserID,
		token:      token,
		Conn:       conn,
		Send:       make(chan []byte, sendBuffer),
		feedView:   feed.NewView[*models.Post](ViewFeed),
		detailView: feed.NewView[*models.Reply](ViewDetail),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     h.logger.With("user", id.UserID),
	}
	if !h.register(c) {
		cancel()
		conn.Close()
		return nil
	}
	go c.WritePump()
	go c.ReadPump()
	return c
}

// close stops the client. The write pump flushes what is queued first.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.feedView.Close()
		c.detailView.Close()
	})
}

// queue drops the message when the client is closed or too far behind.
func (c *Client) queue(payload []byte) {
	select {
	case <-c.done:
	case c.Send <- payload:
	default:
		c.logger.Warn("websocket send buffer full, message dropped")
	}
}

func (c *Client) emit(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}
	c.queue(payload)
}

func errorData(err error) ErrorData {
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return ErrorData{Code: appErr.Code, Message: appErr.Message}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorData{Code: utils.ErrUnavailable, Message: "subscription ended"}
	}
	return ErrorData{Code: utils.ErrDatabase, Message: err.Error()}
}

// ReadPump pumps commands from the websocket connection.
func (c *Client) ReadPump() {
	defer func() {
		c.close()
		c.Hub.unregister(c)
		c.Conn.Close()
		c.logger.Debug("websocket read pump stopped")
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var cmd Command
		if err := c.Conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.emit(Event{Type: EvtCommandError, Data: ErrorData{Code: utils.ErrInvalidInput, Message: "malformed command"}})
				continue
			}
			return
		}
		c.handle(cmd)
	}
}

func (c *Client) handle(cmd Command) {
	backend := c.Hub.backend
	switch cmd.Type {
	case CmdSubscribeFeed:
		q := feed.Query{SortKey: models.SortKey(cmd.Sort), Direction: models.Direction(cmd.Dir)}
		if cmd.Author == "me" {
			q.AuthorID = c.UserID
		}
		sub, err := backend.Feed.Subscribe(c.ctx, c.feedView, q)
		if err != nil {
			c.emit(Event{Type: EvtSubscriptionError, View: ViewFeed, Data: errorData(err)})
			return
		}
		go forward(c, sub, c.feedView, EvtFeedSnapshot)

	case CmdSubscribeReplies:
		sub, err := backend.Threads.SubscribeReplies(c.ctx, c.detailView, cmd.PostID)
		if err != nil {
			c.emit(Event{Type: EvtSubscriptionError, View: ViewDetail, Data: errorData(err)})
			return
		}
		go forward(c, sub, c.detailView, EvtRepliesSnapshot)

	case CmdUnsubscribe:
		switch cmd.View {
		case ViewFeed:
			c.feedView.Close()
		case ViewDetail:
			c.detailView.Close()
		default:
			c.emit(Event{Type: EvtCommandError, Data: ErrorData{Code: utils.ErrInvalidInput, Message: "unknown view " + cmd.View}})
		}

	case CmdSignOut:
		// The provider announces the sign out; the hub then closes this
		// identity's connections, this one included.
		if _, err := backend.Identity.SignOut(c.token); err != nil {
			c.emit(Event{Type: EvtCommandError, Data: errorData(err)})
		}

	default:
		c.emit(Event{Type: EvtCommandError, Data: ErrorData{Code: utils.ErrInvalidInput, Message: "unknown command " + cmd.Type}})
	}
}

// forward relays one subscription's events until it ends. Events of a
// subscription the view no longer holds are dropped.
func forward[T any](c *Client, sub *feed.Subscription[T], v *feed.View[T], snapshotType string) {
	view := v.Name()
	for ev := range sub.Events() {
		if v.Current() != sub {
			continue
		}
		if ev.Err != nil {
			c.emit(Event{Type: EvtSubscriptionError, View: view, SubscriptionID: sub.ID(), Data: errorData(ev.Err)})
			continue
		}
		c.emit(Event{
			Type:           snapshotType,
			View:           view,
			SubscriptionID: sub.ID(),
			Data:           SnapshotData{Items: ev.Snapshot.Items, Rejected: ev.Snapshot.Rejected},
		})
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.logger.Debug("websocket write pump stopped")
	}()
	for {
		select {
		case message := <-c.Send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.logger.Warn("websocket write error", "error", err)
				c.close()
				return
			}
		case <-c.done:
		drain:
			for {
				select {
				case message := <-c.Send:
					if c.write(websocket.TextMessage, message) != nil {
						return
					}
				default:
					break drain
				}
			}
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("websocket ping failed", "error", err)
				c.close()
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}
