package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slidesync/slidesync/internal/registry"
	"github.com/slidesync/slidesync/internal/session"
	"github.com/slidesync/slidesync/pkg/protocol"
)

const writeTimeout = 3 * time.Second

// Handler bridges one WebSocket connection to the registry: inbound frames
// are decoded and forwarded to the matching session, and the session's
// broadcast frames are drained to the socket by a writer goroutine.
func Handler(reg *registry.Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Dev setups serve the client from another origin:
			// OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()

		c := &connection{
			reg:      reg,
			conn:     conn,
			connID:   uuid.NewString(),
			writeCtx: writeCtx,
		}
		c.log = log.With(zap.String("conn", c.connID))

		// Closing the socket is the only cancellation signal; the sweep
		// removes this connection's participants from every session and
		// closes the outbox, ending the writer goroutine.
		defer func() { reg.Inbox() <- registry.Disconnect{ConnID: c.connID} }()

		c.readLoop(r.Context())
	}
}

type connection struct {
	reg      *registry.Registry
	conn     *websocket.Conn
	connID   string
	writeCtx context.Context
	joined   *session.Session // at most one
	log      *zap.Logger

	mu     sync.Mutex
	outbox chan []byte // current join's outbox; owned (and closed) by the session
}

// writeLoop drains one join's outbox to the socket. It ends when the session
// closes the outbox: on leave or disconnect that is the whole cleanup, but if
// this outbox is still the connection's current one the close means the
// session dropped us as a slow subscriber, so kill the socket to unblock the
// reader and trigger the sweep.
func (c *connection) writeLoop(out chan []byte) {
	for frame := range out {
		wctx, cancel := context.WithTimeout(c.writeCtx, writeTimeout)
		err := c.conn.Write(wctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			return
		}
	}

	c.mu.Lock()
	current := c.outbox == out
	c.mu.Unlock()
	if current {
		c.conn.Close(websocket.StatusPolicyViolation, "dropped")
	}
}

func (c *connection) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			return
		}

		env, err := protocol.Unmarshal(data)
		if err != nil {
			c.log.Debug("bad frame", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

// dispatch forwards one inbound event to its session. Malformed payloads and
// unknown session keys are dropped silently; the protocol has no error reply.
func (c *connection) dispatch(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoinSession:
		var m protocol.JoinSession
		if err := env.DecodeData(&m); err != nil || m.Validate() != nil {
			c.log.Debug("dropping malformed join-session")
			return
		}
		c.join(m)

	case protocol.EventAddSlide:
		var m protocol.AddSlide
		if err := env.DecodeData(&m); err != nil || m.Validate() != nil {
			return
		}
		if s := c.lookup(m.SessionKey); s != nil {
			s.Inbox() <- session.AddSlide{Slide: m.Slide}
		}

	case protocol.EventUpdateSlide:
		var m protocol.UpdateSlide
		if err := env.DecodeData(&m); err != nil || m.Validate() != nil {
			return
		}
		if s := c.lookup(m.SessionKey); s != nil {
			s.Inbox() <- session.UpdateSlide{Patch: m.Slide}
		}

	case protocol.EventDeleteSlide:
		var m protocol.DeleteSlide
		if err := env.DecodeData(&m); err != nil || m.Validate() != nil {
			return
		}
		if s := c.lookup(m.SessionKey); s != nil {
			s.Inbox() <- session.DeleteSlide{SlideID: m.SlideID}
		}

	case protocol.EventChangeRole:
		var m protocol.ChangeRole
		if err := env.DecodeData(&m); err != nil || m.Validate() != nil {
			return
		}
		if s := c.lookup(m.SessionKey); s != nil {
			s.Inbox() <- session.ChangeRole{UserID: m.UserID, NewRole: m.NewRole}
		}

	case protocol.EventAddBlock:
		var m protocol.AddBlock
		if err := env.DecodeData(&m); err != nil || m.Validate() != nil {
			return
		}
		if s := c.lookup(m.SessionKey); s != nil {
			s.Inbox() <- session.AddBlock{SlideID: m.SlideID, Block: m.Block}
		}

	case protocol.EventUpdateBlock:
		var m protocol.UpdateBlock
		if err := env.DecodeData(&m); err != nil || m.Validate() != nil {
			return
		}
		if s := c.lookup(m.SessionKey); s != nil {
			s.Inbox() <- session.UpdateBlock{SlideID: m.SlideID, Block: m.Block}
		}

	default:
		c.log.Debug("unknown event", zap.String("event", env.Event))
	}
}

func (c *connection) join(m protocol.JoinSession) {
	// Every join gets its own outbox and writer; a dropped or left join can
	// never receive a send again. The swap happens before the old session's
	// Leave closes the previous outbox, so its exiting writer sees itself
	// superseded and leaves the socket alone.
	out := make(chan []byte, 16)
	c.mu.Lock()
	c.outbox = out
	c.mu.Unlock()
	go c.writeLoop(out)

	// One session per connection: a re-join moves the connection over. The
	// Leave closes the previous outbox, ending its writer.
	if c.joined != nil {
		c.joined.Inbox() <- session.Leave{ConnID: c.connID}
	}

	reply := make(chan *session.Session, 1)
	c.reg.Inbox() <- registry.Ensure{Key: m.SessionKey, Reply: reply}
	s := <-reply

	s.Inbox() <- session.Join{ConnID: c.connID, Participant: m.Participant, Outbox: out}
	c.joined = s
}

func (c *connection) lookup(key string) *session.Session {
	reply := make(chan *session.Session, 1)
	c.reg.Inbox() <- registry.Get{Key: key, Reply: reply}
	return <-reply
}
