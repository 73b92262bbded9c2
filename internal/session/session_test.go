package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slidesync/slidesync/pkg/protocol"
)

// helper: receive one frame with a timeout so tests never hang
func recvFrame(t *testing.T, ch <-chan []byte, within time.Duration) protocol.Envelope {
	t.Helper()
	select {
	case frame, ok := <-ch:
		if !ok {
			t.Fatalf("outbox closed unexpectedly")
		}
		env, err := protocol.Unmarshal(frame)
		require.NoError(t, err)
		return env
	case <-time.After(within):
		t.Fatalf("timed out waiting for frame")
		return protocol.Envelope{} // unreachable
	}
}

func recvNoFrame(t *testing.T, ch <-chan []byte, within time.Duration) {
	t.Helper()
	select {
	case frame, ok := <-ch:
		if !ok {
			return // closed: no further frames possible
		}
		t.Fatalf("expected no frame within %v, got: %s", within, frame)
	case <-time.After(within):
	}
}

func view(t *testing.T, s *Session) View {
	t.Helper()
	reply := make(chan View, 1)
	s.Inbox() <- GetState{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{} // unreachable
	}
}

func newSession(t *testing.T) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, "S", zap.NewNop())
}

func join(t *testing.T, s *Session, connID string, p protocol.Participant) chan []byte {
	t.Helper()
	out := make(chan []byte, 16)
	s.Inbox() <- Join{ConnID: connID, Participant: p, Outbox: out}
	return out
}

func TestSession_JoinSendsDefaultSlideAndParticipants(t *testing.T) {
	s := newSession(t)
	out := join(t, s, "c1", protocol.Participant{ID: "u1", Name: "Ann", Role: protocol.RoleOwner})

	first := recvFrame(t, out, time.Second)
	require.Equal(t, protocol.EventFullState, first.Event)

	var full protocol.FullState
	require.NoError(t, first.DecodeData(&full))
	require.Len(t, full.Slides, 1)
	require.Equal(t, "1", full.Slides[0].ID)
	require.Equal(t, 1, full.Slides[0].Order)
	require.Empty(t, full.Slides[0].Content)

	second := recvFrame(t, out, time.Second)
	require.Equal(t, protocol.EventParticipantList, second.Event)

	var list protocol.ParticipantList
	require.NoError(t, second.DecodeData(&list))
	require.Equal(t, []protocol.Participant{{ID: "u1", Name: "Ann", Role: protocol.RoleOwner}}, list.Participants)
}

func TestSession_AddThenDeleteRestoresCollection(t *testing.T) {
	s := newSession(t)

	before := view(t, s).Slides

	s.Inbox() <- AddSlide{Slide: protocol.Slide{ID: "s2", Order: 2}}
	s.Inbox() <- DeleteSlide{SlideID: "s2"}

	require.Equal(t, before, view(t, s).Slides)
}

func TestSession_ConcurrentAdds_NoLostUpdates(t *testing.T) {
	s := newSession(t)
	initial := len(view(t, s).Slides)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Inbox() <- AddSlide{Slide: protocol.Slide{ID: fmt.Sprintf("s%d", i), Order: i + 2}}
		}(i)
	}
	wg.Wait()

	require.Len(t, view(t, s).Slides, initial+n)
}

func TestSession_UpdateSlide_PartialMergePreservesOrder(t *testing.T) {
	s := newSession(t)
	out := join(t, s, "c1", protocol.Participant{ID: "u1"})
	_ = recvFrame(t, out, time.Second) // full-state
	_ = recvFrame(t, out, time.Second) // participant-list

	s.Inbox() <- AddSlide{Slide: protocol.Slide{ID: "s2", Content: "draft", Order: 7}}
	_ = recvFrame(t, out, time.Second) // slide-added

	content := "final"
	s.Inbox() <- UpdateSlide{Patch: protocol.SlidePatch{ID: "s2", Content: &content}}

	env := recvFrame(t, out, time.Second)
	require.Equal(t, protocol.EventSlideUpdated, env.Event)

	var updated protocol.SlideUpdated
	require.NoError(t, env.DecodeData(&updated))
	require.Equal(t, "final", updated.Slide.Content)
	require.Equal(t, 7, updated.Slide.Order, "content-only patch must leave order alone")
}

func TestSession_UpdateUnknownSlide_NoBroadcast(t *testing.T) {
	s := newSession(t)
	out := join(t, s, "c1", protocol.Participant{ID: "u1"})
	_ = recvFrame(t, out, time.Second)
	_ = recvFrame(t, out, time.Second)

	content := "lost"
	s.Inbox() <- UpdateSlide{Patch: protocol.SlidePatch{ID: "nope", Content: &content}}

	recvNoFrame(t, out, 100*time.Millisecond)
}

func TestSession_DeleteUnknownSlide_StillBroadcasts(t *testing.T) {
	s := newSession(t)
	out := join(t, s, "c1", protocol.Participant{ID: "u1"})
	_ = recvFrame(t, out, time.Second)
	_ = recvFrame(t, out, time.Second)

	s.Inbox() <- DeleteSlide{SlideID: "nope"}

	env := recvFrame(t, out, time.Second)
	require.Equal(t, protocol.EventSlideDeleted, env.Event)

	var del protocol.SlideDeleted
	require.NoError(t, env.DecodeData(&del))
	require.Equal(t, "nope", del.SlideID)
}

// Role changes are deliberately unenforced at this layer: there is no sender
// identity here at all, so a viewer's connection can rewrite the owner's
// role. This pins the gap; do not "fix" it without changing the protocol.
func TestSession_ChangeRole_NoAuthorizationCheck(t *testing.T) {
	s := newSession(t)
	owner := join(t, s, "c1", protocol.Participant{ID: "u1", Role: protocol.RoleOwner})
	viewer := join(t, s, "c2", protocol.Participant{ID: "u2", Role: protocol.RoleViewer})
	_ = recvFrame(t, owner, time.Second)  // full-state
	_ = recvFrame(t, owner, time.Second)  // participant-list (u1)
	_ = recvFrame(t, owner, time.Second)  // participant-list (u1,u2)
	_ = recvFrame(t, viewer, time.Second) // full-state
	_ = recvFrame(t, viewer, time.Second) // participant-list (u1,u2)

	s.Inbox() <- ChangeRole{UserID: "u1", NewRole: protocol.RoleViewer}

	env := recvFrame(t, viewer, time.Second)
	require.Equal(t, protocol.EventParticipantList, env.Event)

	var list protocol.ParticipantList
	require.NoError(t, env.DecodeData(&list))
	require.Equal(t, protocol.RoleViewer, list.Participants[0].Role)
}

func TestSession_Leave_BroadcastsOnlyWhenMembershipChanged(t *testing.T) {
	s := newSession(t)
	out1 := join(t, s, "c1", protocol.Participant{ID: "u1"})
	out2 := join(t, s, "c2", protocol.Participant{ID: "u2"})
	_ = recvFrame(t, out1, time.Second) // full-state
	_ = recvFrame(t, out1, time.Second) // participant-list (u1)
	_ = recvFrame(t, out1, time.Second) // participant-list (u1,u2)
	_ = recvFrame(t, out2, time.Second) // full-state
	_ = recvFrame(t, out2, time.Second) // participant-list (u1,u2)

	s.Inbox() <- Leave{ConnID: "c2"}

	env := recvFrame(t, out1, time.Second)
	require.Equal(t, protocol.EventParticipantList, env.Event)

	var list protocol.ParticipantList
	require.NoError(t, env.DecodeData(&list))
	require.Equal(t, []protocol.Participant{{ID: "u1"}}, list.Participants)

	// Unknown or already-removed connection: nothing happens.
	s.Inbox() <- Leave{ConnID: "c2"}
	s.Inbox() <- Leave{ConnID: "never-seen"}
	recvNoFrame(t, out1, 100*time.Millisecond)

	require.Len(t, view(t, s).Participants, 1)
}

func TestSession_Leave_ClosesOutbox(t *testing.T) {
	s := newSession(t)
	out := join(t, s, "c1", protocol.Participant{ID: "u1"})
	_ = recvFrame(t, out, time.Second) // full-state
	_ = recvFrame(t, out, time.Second) // participant-list

	s.Inbox() <- Leave{ConnID: "c1"}

	select {
	case _, ok := <-out:
		require.False(t, ok, "outbox must be closed, not sent to")
	case <-time.After(time.Second):
		t.Fatalf("outbox never closed after leave")
	}
}

// A connection may join again with a fresh outbox before any Leave lands
// (for example after being dropped as a slow subscriber). The stale outbox
// is closed, never sent to, and the session keeps ticking.
func TestSession_RejoinSameConn_FreshOutbox(t *testing.T) {
	s := newSession(t)
	out1 := join(t, s, "c1", protocol.Participant{ID: "u1"})
	_ = recvFrame(t, out1, time.Second) // full-state
	_ = recvFrame(t, out1, time.Second) // participant-list

	out2 := join(t, s, "c1", protocol.Participant{ID: "u1"})

	env := recvFrame(t, out2, time.Second)
	require.Equal(t, protocol.EventFullState, env.Event)
	_ = recvFrame(t, out2, time.Second) // participant-list

	// Old outbox is retired, not reused.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-out1:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "stale outbox never closed")

	// One member row per connection, and broadcasts still flow.
	v := view(t, s)
	require.Len(t, v.Participants, 1)
	require.Equal(t, 1, v.NumSubscribers)

	s.Inbox() <- AddSlide{Slide: protocol.Slide{ID: "s2", Order: 2}}
	env = recvFrame(t, out2, time.Second)
	require.Equal(t, protocol.EventSlideAdded, env.Event)
}

func TestSession_DropSlowSubscriber(t *testing.T) {
	s := newSession(t)
	out := make(chan []byte, 2)
	s.Inbox() <- Join{ConnID: "c1", Participant: protocol.Participant{ID: "u1"}, Outbox: out}
	// Never drained: the next broadcasts overflow the outbox and the
	// subscriber is dropped rather than stalling the session.
	for i := 0; i < 4; i++ {
		s.Inbox() <- AddSlide{Slide: protocol.Slide{ID: fmt.Sprintf("s%d", i)}}
	}

	v := view(t, s)
	require.Zero(t, v.NumSubscribers)
	// The participant row stays until the connection's disconnect sweep.
	require.Len(t, v.Participants, 1)
}

func TestSession_BothEditorsSeeBothAdds(t *testing.T) {
	s := newSession(t)
	outA := join(t, s, "ca", protocol.Participant{ID: "a"})
	outB := join(t, s, "cb", protocol.Participant{ID: "b"})
	_ = recvFrame(t, outA, time.Second)
	_ = recvFrame(t, outA, time.Second)
	_ = recvFrame(t, outA, time.Second)
	_ = recvFrame(t, outB, time.Second)
	_ = recvFrame(t, outB, time.Second)

	s.Inbox() <- AddSlide{Slide: protocol.Slide{ID: "from-a", Order: 2}}
	s.Inbox() <- AddSlide{Slide: protocol.Slide{ID: "from-b", Order: 3}}

	for _, out := range []chan []byte{outA, outB} {
		first := recvFrame(t, out, time.Second)
		second := recvFrame(t, out, time.Second)
		require.Equal(t, protocol.EventSlideAdded, first.Event)
		require.Equal(t, protocol.EventSlideAdded, second.Event)

		var a1, a2 protocol.SlideAdded
		require.NoError(t, first.DecodeData(&a1))
		require.NoError(t, second.DecodeData(&a2))
		require.Equal(t, "from-a", a1.Slide.ID)
		require.Equal(t, "from-b", a2.Slide.ID)
	}

	slides := view(t, s).Slides
	require.Len(t, slides, 3)
	require.Equal(t, 2, slides[1].Order)
	require.Equal(t, 3, slides[2].Order)
}

func TestSession_Blocks_AddAndUpdate(t *testing.T) {
	s := newSession(t)
	out := join(t, s, "c1", protocol.Participant{ID: "u1"})
	_ = recvFrame(t, out, time.Second)
	_ = recvFrame(t, out, time.Second)

	s.Inbox() <- AddBlock{SlideID: "1", Block: protocol.Block{ID: "b1", Content: "hello"}}
	env := recvFrame(t, out, time.Second)
	require.Equal(t, protocol.EventBlockAdded, env.Event)

	s.Inbox() <- UpdateBlock{SlideID: "1", Block: protocol.Block{ID: "b1", Content: "hi"}}
	env = recvFrame(t, out, time.Second)
	require.Equal(t, protocol.EventBlockUpdated, env.Event)

	// Unknown slide or block id: silently dropped, like update-slide.
	s.Inbox() <- AddBlock{SlideID: "nope", Block: protocol.Block{ID: "b2"}}
	s.Inbox() <- UpdateBlock{SlideID: "1", Block: protocol.Block{ID: "nope"}}
	recvNoFrame(t, out, 100*time.Millisecond)

	slides := view(t, s).Slides
	require.Equal(t, []protocol.Block{{ID: "b1", Content: "hi"}}, slides[0].Blocks)
}
