// Package registry owns the process-wide map from session key to live
// session. Sessions are created lazily on first join and live for the
// process lifetime; nothing here is ever persisted or reaped.
package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/slidesync/slidesync/internal/session"
)

type Msg interface{ isRegistryMsg() }

// Ensure replies with the session for Key, creating it (seeded with the
// default slide) if this key has never been seen.
type Ensure struct {
	Key   string
	Reply chan *session.Session
}

// Get replies with the session for Key, or nil if the key is unknown.
// Events that land on a nil session are dropped; the protocol has no
// error reply.
type Get struct {
	Key   string
	Reply chan *session.Session
}

// Disconnect sweeps every session, removing any participant bound to the
// connection. Sessions whose membership did not change stay silent, so an
// unknown connection is a no-op.
type Disconnect struct {
	ConnID string
}

type Shutdown struct{}

func (Ensure) isRegistryMsg()     {}
func (Get) isRegistryMsg()        {}
func (Disconnect) isRegistryMsg() {}
func (Shutdown) isRegistryMsg()   {}

type Registry struct {
	inbox    chan Msg
	sessions map[string]*session.Session
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(parent context.Context, log *zap.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:    make(chan Msg, 64),
		sessions: make(map[string]*session.Session),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	go r.loop()
	return r
}

func (r *Registry) Inbox() chan<- Msg { return r.inbox }

func (r *Registry) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Ensure:
				if s := r.sessions[msg.Key]; s != nil {
					msg.Reply <- s
					break
				}
				s := session.New(r.ctx, msg.Key, r.log)
				r.sessions[msg.Key] = s
				r.log.Info("session created", zap.String("session", msg.Key))
				msg.Reply <- s

			case Get:
				msg.Reply <- r.sessions[msg.Key] // may be nil

			case Disconnect:
				for _, s := range r.sessions {
					s.Inbox() <- session.Leave{ConnID: msg.ConnID}
				}

			case Shutdown:
				for _, s := range r.sessions {
					s.Inbox() <- session.Shutdown{}
				}
				clear(r.sessions)
				r.cancel()
			}
		}
	}
}
