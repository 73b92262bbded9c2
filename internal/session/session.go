package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/slidesync/slidesync/pkg/protocol"
)

type Msg interface{ isSessionMsg() }

// Join registers a participant plus the outbox its connection wants broadcast
// frames on. The joiner gets a full-state frame immediately; everyone in the
// session (joiner included) gets the refreshed participant list.
type Join struct {
	ConnID      string
	Participant protocol.Participant
	Outbox      chan []byte
}

func (Join) isSessionMsg() {}

// Leave removes every participant bound to a connection. Broadcasts the
// participant list only if membership actually changed.
type Leave struct{ ConnID string }

func (Leave) isSessionMsg() {}

type AddSlide struct{ Slide protocol.Slide }

func (AddSlide) isSessionMsg() {}

type UpdateSlide struct{ Patch protocol.SlidePatch }

func (UpdateSlide) isSessionMsg() {}

type DeleteSlide struct{ SlideID string }

func (DeleteSlide) isSessionMsg() {}

type ChangeRole struct {
	UserID  string
	NewRole protocol.Role
}

func (ChangeRole) isSessionMsg() {}

type AddBlock struct {
	SlideID string
	Block   protocol.Block
}

func (AddBlock) isSessionMsg() {}

type UpdateBlock struct {
	SlideID string
	Block   protocol.Block
}

func (UpdateBlock) isSessionMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isSessionMsg() {}

type Shutdown struct{}

func (Shutdown) isSessionMsg() {}

// View is a test-only copy of the actor's state, safe to inspect without
// data races.
type View struct {
	Slides         []protocol.Slide
	Participants   []protocol.Participant
	NumSubscribers int
}

type member struct {
	participant protocol.Participant
	connID      string
}

// Session owns the authoritative slide collection and participant list for
// one session key. A single goroutine applies mutations in arrival order, so
// concurrent edits to the same session never clobber each other while
// unrelated sessions stay independent.
type Session struct {
	inbox       chan Msg
	slides      []protocol.Slide
	members     []member
	subscribers map[string]chan []byte
	log         *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

// New starts a session actor seeded with the single default slide every
// fresh session begins with.
func New(parent context.Context, key string, log *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)

	s := &Session{
		inbox:       make(chan Msg, 64),
		slides:      []protocol.Slide{{ID: "1", Content: "", Order: 1}},
		subscribers: make(map[string]chan []byte),
		log:         log.With(zap.String("session", key)),
		ctx:         ctx,
		cancel:      cancel,
	}

	go s.loop()
	return s
}

func (s *Session) Inbox() chan<- Msg { return s.inbox }

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Join:
				s.join(msg)

			case Leave:
				s.leave(msg.ConnID)

			case AddSlide:
				// Appended as given: no dedup, no order validation. The
				// client assigned id and order; last writer wins.
				s.slides = append(s.slides, msg.Slide)
				s.broadcast(protocol.MustMarshal(protocol.EventSlideAdded, protocol.SlideAdded{Slide: msg.Slide}))

			case UpdateSlide:
				s.updateSlide(msg.Patch)

			case DeleteSlide:
				s.deleteSlide(msg.SlideID)

			case ChangeRole:
				s.changeRole(msg.UserID, msg.NewRole)

			case AddBlock:
				s.addBlock(msg.SlideID, msg.Block)

			case UpdateBlock:
				s.updateBlock(msg.SlideID, msg.Block)

			case GetState:
				msg.Reply <- View{
					Slides:         protocol.CopySlides(s.slides),
					Participants:   s.participantList(),
					NumSubscribers: len(s.subscribers),
				}

			case Shutdown:
				s.shutdown()
				return
			}
		}
	}
}

func (s *Session) join(msg Join) {
	// A connection rejoining without an intervening Leave abandons its old
	// outbox and participant rows; close the outbox so its writer
	// terminates, and keep one row per connection.
	if old, ok := s.subscribers[msg.ConnID]; ok {
		close(old)
		kept := s.members[:0]
		for _, m := range s.members {
			if m.connID != msg.ConnID {
				kept = append(kept, m)
			}
		}
		s.members = kept
	}
	s.members = append(s.members, member{participant: msg.Participant, connID: msg.ConnID})
	s.subscribers[msg.ConnID] = msg.Outbox

	// Full state goes to the joiner only; the outbox is fresh for this join
	// and buffered, so a direct send is safe.
	msg.Outbox <- protocol.MustMarshal(protocol.EventFullState, protocol.FullState{Slides: s.slides})

	s.broadcastParticipants()
	s.log.Info("participant joined",
		zap.String("participant", msg.Participant.ID),
		zap.String("conn", msg.ConnID))
}

func (s *Session) leave(connID string) {
	// The session owns the outbox once joined: closing it here ends the
	// connection's writer goroutine.
	if ch, ok := s.subscribers[connID]; ok {
		close(ch)
		delete(s.subscribers, connID)
	}

	kept := s.members[:0]
	removed := 0
	for _, m := range s.members {
		if m.connID == connID {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.members = kept

	if removed > 0 {
		s.broadcastParticipants()
		s.log.Info("participant left", zap.String("conn", connID))
	}
}

func (s *Session) updateSlide(patch protocol.SlidePatch) {
	for i, sl := range s.slides {
		if sl.ID == patch.ID {
			merged := patch.Apply(sl)
			s.slides[i] = merged
			s.broadcast(protocol.MustMarshal(protocol.EventSlideUpdated, protocol.SlideUpdated{Slide: merged}))
			return
		}
	}
	// Unknown slide id: no broadcast. The sender's optimistic copy is left
	// to diverge until its next full-state.
}

func (s *Session) deleteSlide(slideID string) {
	kept := s.slides[:0]
	for _, sl := range s.slides {
		if sl.ID != slideID {
			kept = append(kept, sl)
		}
	}
	s.slides = kept

	// Deletion is idempotent on the wire: the id is broadcast whether or not
	// anything matched.
	s.broadcast(protocol.MustMarshal(protocol.EventSlideDeleted, protocol.SlideDeleted{SlideID: slideID}))
}

func (s *Session) changeRole(userID string, newRole protocol.Role) {
	// No authorization check here. Role is advisory; any connected client
	// may rewrite any participant's role.
	for i, m := range s.members {
		if m.participant.ID == userID {
			s.members[i].participant.Role = newRole
		}
	}
	s.broadcastParticipants()
}

func (s *Session) addBlock(slideID string, block protocol.Block) {
	for i, sl := range s.slides {
		if sl.ID == slideID {
			s.slides[i].Blocks = append(sl.Blocks, block)
			s.broadcast(protocol.MustMarshal(protocol.EventBlockAdded, protocol.BlockAdded{SlideID: slideID, Block: block}))
			return
		}
	}
}

func (s *Session) updateBlock(slideID string, block protocol.Block) {
	for i, sl := range s.slides {
		if sl.ID != slideID {
			continue
		}
		for j, b := range sl.Blocks {
			if b.ID == block.ID {
				s.slides[i].Blocks[j] = block
				s.broadcast(protocol.MustMarshal(protocol.EventBlockUpdated, protocol.BlockUpdated{SlideID: slideID, Block: block}))
				return
			}
		}
		return
	}
}

func (s *Session) participantList() []protocol.Participant {
	list := make([]protocol.Participant, 0, len(s.members))
	for _, m := range s.members {
		list = append(list, m.participant)
	}
	return list
}

func (s *Session) broadcastParticipants() {
	s.broadcast(protocol.MustMarshal(protocol.EventParticipantList,
		protocol.ParticipantList{Participants: s.participantList()}))
}

// broadcast fans one encoded frame out to every subscribed connection,
// originator included. Delivery is best-effort: a subscriber whose outbox is
// full is dropped so it can never stall the rest of the session.
func (s *Session) broadcast(frame []byte) {
	for connID, ch := range s.subscribers {
		select {
		case ch <- frame:
		default:
			close(ch)
			delete(s.subscribers, connID)
			s.log.Warn("dropping slow subscriber", zap.String("conn", connID))
		}
	}
}

func (s *Session) shutdown() {
	for connID, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, connID)
	}
	s.cancel()
}
