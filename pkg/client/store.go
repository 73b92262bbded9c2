// Package client is the client-side state store: a local mirror of one
// session that applies optimistic mutations immediately, emits the matching
// event, and reconciles with the canonical broadcast the server echoes back.
package client

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/slidesync/slidesync/pkg/protocol"
)

// transport is the store's view of the duplex connection; tests swap in a
// channel-backed fake.
type transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}

// Snapshot is the state handed to subscribers on every change. Slices are
// copies; subscribers may keep them.
type Snapshot struct {
	Slides       []protocol.Slide
	Participants []protocol.Participant
	GlobalStyle  GlobalStyle
}

// Direction for MoveSlide.
type Direction string

const (
	MoveUp   Direction = "up"
	MoveDown Direction = "down"
)

// Store mirrors one session's state. Every mutating operation applies
// locally first, then emits; the server's echo overwrites the optimistic
// guess with the canonical result, so all participants converge. The one
// exception is reorder, which never leaves this client (see ReorderSlides).
type Store struct {
	mu           sync.RWMutex
	slides       []protocol.Slide
	participants []protocol.Participant
	style        GlobalStyle
	sessionKey   string

	sendMu sync.Mutex
	tr     transport

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int

	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	recvErr error // set by receiveLoop if the link died before Close
}

// NewStore builds an unjoined store. A nil logger disables logging.
func NewStore(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		style: defaultStyle(),
		subs:  make(map[int]func(Snapshot)),
		log:   log,
	}
}

// Join dials the server, emits join-session, and starts the receive loop.
// Joining again (e.g. after a dropped connection) replaces the transport;
// the fresh full-state discards any local-only leftovers such as a pending
// reorder.
func (s *Store) Join(ctx context.Context, url, sessionKey string, participant protocol.Participant) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return err
	}
	return s.begin(&wsTransport{conn: conn}, sessionKey, participant)
}

func (s *Store) begin(tr transport, sessionKey string, participant protocol.Participant) error {
	s.mu.Lock()
	oldCancel, oldDone, oldTr := s.cancel, s.done, s.tr
	s.mu.Unlock()
	if oldCancel != nil {
		oldCancel()
		<-oldDone
		_ = oldTr.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.sessionKey = sessionKey
	s.tr = tr
	s.recvErr = nil
	s.ctx, s.cancel = ctx, cancel
	s.done = done
	s.mu.Unlock()

	go s.receiveLoop(ctx, tr, done)

	if err := s.emit(protocol.EventJoinSession, protocol.JoinSession{
		SessionKey:  sessionKey,
		Participant: participant,
	}); err != nil {
		cancel()
		_ = tr.Close()
		<-done
		return err
	}
	return nil
}

// Close stops the receive loop and closes the connection. If the link
// already died on its own, that error is reported too.
func (s *Store) Close() error {
	s.mu.Lock()
	cancel, done, tr := s.cancel, s.done, s.tr
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := tr.Close()
	<-done

	s.mu.RLock()
	recvErr := s.recvErr
	s.mu.RUnlock()
	return multierr.Combine(err, recvErr)
}

// Subscribe registers fn for state-change notifications and returns its
// cancel. fn runs on the mutating goroutine; keep it short.
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Slides returns a copy of the local slide collection in store order.
// Display layers sort by the Order field.
func (s *Store) Slides() []protocol.Slide {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return protocol.CopySlides(s.slides)
}

func (s *Store) Participants() []protocol.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.Participant(nil), s.participants...)
}

func (s *Store) GlobalStyle() GlobalStyle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.style
}

// AddSlide creates a slide with a fresh timestamp-derived id and the next
// position, applies it locally, then emits add-slide. The echo is a no-op
// because reconciliation upserts by id.
func (s *Store) AddSlide() (protocol.Slide, error) {
	s.mu.Lock()
	key := s.sessionKey
	slide := protocol.Slide{
		ID:    ulid.Make().String(),
		Order: len(s.slides) + 1,
	}
	s.slides = append(s.slides, slide)
	s.mu.Unlock()
	s.notify()

	err := s.emit(protocol.EventAddSlide, protocol.AddSlide{SessionKey: key, Slide: slide})
	return slide, err
}

// UpdateSlide rewrites the slide's content locally, then emits the full
// updated slide. Unknown ids are a local no-op and emit nothing.
func (s *Store) UpdateSlide(id, content string) error {
	s.mu.Lock()
	key := s.sessionKey
	found := false
	var order int
	for i, sl := range s.slides {
		if sl.ID == id {
			s.slides[i].Content = content
			order = sl.Order
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return nil
	}
	patch := protocol.SlidePatch{ID: id, Content: &content, Order: &order}
	s.notify()

	return s.emit(protocol.EventUpdateSlide, protocol.UpdateSlide{SessionKey: key, Slide: patch})
}

// DeleteSlide removes locally, then emits. The echoed slide-deleted is an
// idempotent remove.
func (s *Store) DeleteSlide(id string) error {
	s.mu.Lock()
	key := s.sessionKey
	s.slides = removeSlide(s.slides, id)
	s.mu.Unlock()
	s.notify()

	return s.emit(protocol.EventDeleteSlide, protocol.DeleteSlide{SessionKey: key, SlideID: id})
}

// ReorderSlides rewrites each slide's order to its positional index and
// replaces local state. Local-only: nothing is emitted, so other
// participants keep their own perceived order until this client's next
// full-state discards the change.
func (s *Store) ReorderSlides(ordered []protocol.Slide) {
	s.mu.Lock()
	next := make([]protocol.Slide, len(ordered))
	for i, sl := range ordered {
		sl.Order = i + 1
		next[i] = sl
	}
	s.slides = next
	s.mu.Unlock()
	s.notify()
}

// MoveSlide swaps the slide's order with its neighbor in the given
// direction. Local-only, like ReorderSlides.
func (s *Store) MoveSlide(id string, dir Direction) {
	s.mu.Lock()
	ordered := append([]protocol.Slide(nil), s.slides...)
	sortByOrder(ordered)

	idx := -1
	for i, sl := range ordered {
		if sl.ID == id {
			idx = i
			break
		}
	}
	switch {
	case idx == -1:
		s.mu.Unlock()
		return
	case dir == MoveUp && idx > 0:
		ordered[idx-1].Order, ordered[idx].Order = ordered[idx].Order, ordered[idx-1].Order
	case dir == MoveDown && idx < len(ordered)-1:
		ordered[idx+1].Order, ordered[idx].Order = ordered[idx].Order, ordered[idx+1].Order
	default:
		s.mu.Unlock()
		return
	}
	s.slides = ordered
	s.mu.Unlock()
	s.notify()
}

// ChangeUserRole emits change-role with no optimistic write; the local list
// updates when the participant-list echo lands.
func (s *Store) ChangeUserRole(sessionKey, userID string, newRole protocol.Role) error {
	return s.emit(protocol.EventChangeRole, protocol.ChangeRole{
		SessionKey: sessionKey,
		UserID:     userID,
		NewRole:    newRole,
	})
}

// SetGlobalStyle merges into the local style. Never transmitted.
func (s *Store) SetGlobalStyle(patch StylePatch) {
	s.mu.Lock()
	s.style = s.style.apply(patch)
	s.mu.Unlock()
	s.notify()
}

// AddBlock appends a block to a slide locally, then emits add-block.
func (s *Store) AddBlock(slideID string, block protocol.Block) error {
	s.mu.Lock()
	key := s.sessionKey
	for i, sl := range s.slides {
		if sl.ID == slideID {
			s.slides[i].Blocks = append(sl.Blocks, block)
			break
		}
	}
	s.mu.Unlock()
	s.notify()

	return s.emit(protocol.EventAddBlock, protocol.AddBlock{SessionKey: key, SlideID: slideID, Block: block})
}

// UpdateBlock rewrites a block locally, then emits update-block.
func (s *Store) UpdateBlock(slideID string, block protocol.Block) error {
	s.mu.Lock()
	key := s.sessionKey
	s.slides = replaceBlock(s.slides, slideID, block)
	s.mu.Unlock()
	s.notify()

	return s.emit(protocol.EventUpdateBlock, protocol.UpdateBlock{SessionKey: key, SlideID: slideID, Block: block})
}

// ErrNotJoined is returned by mutating operations before Join succeeds.
var ErrNotJoined = errors.New("client: not joined to a session")

func (s *Store) emit(event string, payload any) error {
	s.mu.RLock()
	tr, ctx := s.tr, s.ctx
	s.mu.RUnlock()
	if tr == nil {
		return ErrNotJoined
	}
	frame, err := protocol.Marshal(event, payload)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return tr.Send(ctx, frame)
}

func (s *Store) receiveLoop(ctx context.Context, tr transport, done chan struct{}) {
	defer close(done)
	for {
		frame, err := tr.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("receive loop ended", zap.Error(err))
				s.mu.Lock()
				s.recvErr = err
				s.mu.Unlock()
			}
			return
		}
		env, err := protocol.Unmarshal(frame)
		if err != nil {
			s.log.Debug("bad frame", zap.Error(err))
			continue
		}
		s.handle(env)
	}
}

// handle reconciles one inbound broadcast. Whatever the server says is
// canonical and overwrites the optimistic guess.
func (s *Store) handle(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventFullState:
		var m protocol.FullState
		if env.DecodeData(&m) != nil {
			return
		}
		s.mu.Lock()
		s.slides = m.Slides
		s.mu.Unlock()

	case protocol.EventParticipantList:
		var m protocol.ParticipantList
		if env.DecodeData(&m) != nil {
			return
		}
		s.mu.Lock()
		s.participants = m.Participants
		s.mu.Unlock()

	case protocol.EventSlideAdded:
		var m protocol.SlideAdded
		if env.DecodeData(&m) != nil {
			return
		}
		s.mu.Lock()
		s.slides = upsertSlide(s.slides, m.Slide)
		s.mu.Unlock()

	case protocol.EventSlideUpdated:
		var m protocol.SlideUpdated
		if env.DecodeData(&m) != nil {
			return
		}
		s.mu.Lock()
		s.slides = upsertSlide(s.slides, m.Slide)
		s.mu.Unlock()

	case protocol.EventSlideDeleted:
		var m protocol.SlideDeleted
		if env.DecodeData(&m) != nil {
			return
		}
		s.mu.Lock()
		s.slides = removeSlide(s.slides, m.SlideID)
		s.mu.Unlock()

	case protocol.EventBlockAdded:
		var m protocol.BlockAdded
		if env.DecodeData(&m) != nil {
			return
		}
		s.mu.Lock()
		s.slides = upsertBlock(s.slides, m.SlideID, m.Block)
		s.mu.Unlock()

	case protocol.EventBlockUpdated:
		var m protocol.BlockUpdated
		if env.DecodeData(&m) != nil {
			return
		}
		s.mu.Lock()
		s.slides = replaceBlock(s.slides, m.SlideID, m.Block)
		s.mu.Unlock()

	default:
		s.log.Debug("unknown event", zap.String("event", env.Event))
		return
	}
	s.notify()
}

func (s *Store) notify() {
	s.mu.RLock()
	snap := Snapshot{
		Slides:       protocol.CopySlides(s.slides),
		Participants: append([]protocol.Participant(nil), s.participants...),
		GlobalStyle:  s.style,
	}
	s.mu.RUnlock()

	s.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// upsertSlide replaces the slide with a matching id, or appends if absent.
// Replacing keeps an optimistic add's echo from duplicating the slide.
func upsertSlide(slides []protocol.Slide, slide protocol.Slide) []protocol.Slide {
	for i, sl := range slides {
		if sl.ID == slide.ID {
			slides[i] = slide
			return slides
		}
	}
	return append(slides, slide)
}

func removeSlide(slides []protocol.Slide, id string) []protocol.Slide {
	kept := slides[:0]
	for _, sl := range slides {
		if sl.ID != id {
			kept = append(kept, sl)
		}
	}
	return kept
}

// upsertBlock appends the block unless a block with the same id already
// exists on the slide (the originator's echo).
func upsertBlock(slides []protocol.Slide, slideID string, block protocol.Block) []protocol.Slide {
	for i, sl := range slides {
		if sl.ID != slideID {
			continue
		}
		for _, b := range sl.Blocks {
			if b.ID == block.ID {
				return slides
			}
		}
		slides[i].Blocks = append(sl.Blocks, block)
		return slides
	}
	return slides
}

func replaceBlock(slides []protocol.Slide, slideID string, block protocol.Block) []protocol.Slide {
	for i, sl := range slides {
		if sl.ID != slideID {
			continue
		}
		for j, b := range sl.Blocks {
			if b.ID == block.ID {
				slides[i].Blocks[j] = block
				return slides
			}
		}
		return slides
	}
	return slides
}

func sortByOrder(slides []protocol.Slide) {
	slices.SortStableFunc(slides, func(a, b protocol.Slide) int { return a.Order - b.Order })
}
