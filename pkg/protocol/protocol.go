// Package protocol is the wire contract between the server and every client.
// Event names, payload field names, and directions must stay exactly as they
// are here or mixed deployments stop interoperating.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client -> Server
const (
	EventJoinSession = "join-session"
	EventAddSlide    = "add-slide"
	EventUpdateSlide = "update-slide"
	EventDeleteSlide = "delete-slide"
	EventChangeRole  = "change-role"
	EventAddBlock    = "add-block"
	EventUpdateBlock = "update-block"
)

// Server -> Client
const (
	EventFullState       = "full-state"
	EventParticipantList = "participant-list"
	EventSlideAdded      = "slide-added"
	EventSlideUpdated    = "slide-updated"
	EventSlideDeleted    = "slide-deleted"
	EventBlockAdded      = "block-added"
	EventBlockUpdated    = "block-updated"
)

var ErrBadEnvelope = errors.New("malformed envelope")

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Block is a sub-unit of slide content, identified within its slide.
type Block struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Slide is one ordered content unit. Order is the sole ranking key and need
// not be contiguous or unique at all times.
type Slide struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Order   int     `json:"order"`
	Blocks  []Block `json:"blocks,omitempty"`
}

// Participant is a connected user. Role is advisory only; the server never
// verifies it. The connection binding lives server-side and is never sent.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// CopySlides deep-copies a slide collection so snapshots handed across
// goroutines never share block backing arrays with live state.
func CopySlides(slides []Slide) []Slide {
	out := make([]Slide, len(slides))
	for i, sl := range slides {
		sl.Blocks = append([]Block(nil), sl.Blocks...)
		out[i] = sl
	}
	return out
}

// SlidePatch is the update-slide payload: id is required, everything else is
// merged over the stored slide only when present.
type SlidePatch struct {
	ID      string  `json:"id"`
	Content *string `json:"content,omitempty"`
	Order   *int    `json:"order,omitempty"`
}

// Apply shallow-merges the patch over s and returns the result.
func (p SlidePatch) Apply(s Slide) Slide {
	if p.Content != nil {
		s.Content = *p.Content
	}
	if p.Order != nil {
		s.Order = *p.Order
	}
	return s
}

type JoinSession struct {
	SessionKey  string      `json:"sessionKey"`
	Participant Participant `json:"participant"`
}

type FullState struct {
	Slides []Slide `json:"slides"`
}

type ParticipantList struct {
	Participants []Participant `json:"participants"`
}

type AddSlide struct {
	SessionKey string `json:"sessionKey"`
	Slide      Slide  `json:"slide"`
}

type SlideAdded struct {
	Slide Slide `json:"slide"`
}

type UpdateSlide struct {
	SessionKey string     `json:"sessionKey"`
	Slide      SlidePatch `json:"slide"`
}

type SlideUpdated struct {
	Slide Slide `json:"slide"`
}

type DeleteSlide struct {
	SessionKey string `json:"sessionKey"`
	SlideID    string `json:"slideId"`
}

type SlideDeleted struct {
	SlideID string `json:"slideId"`
}

type ChangeRole struct {
	SessionKey string `json:"sessionKey"`
	UserID     string `json:"userId"`
	NewRole    Role   `json:"newRole"`
}

type AddBlock struct {
	SessionKey string `json:"sessionKey"`
	SlideID    string `json:"slideId"`
	Block      Block  `json:"block"`
}

type BlockAdded struct {
	SlideID string `json:"slideId"`
	Block   Block  `json:"block"`
}

type UpdateBlock struct {
	SessionKey string `json:"sessionKey"`
	SlideID    string `json:"slideId"`
	Block      Block  `json:"block"`
}

type BlockUpdated struct {
	SlideID string `json:"slideId"`
	Block   Block  `json:"block"`
}

// Envelope is one wire frame: a named event plus its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Marshal wraps data in an envelope and encodes the frame.
func Marshal(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// MustMarshal is Marshal for payload types that cannot fail to encode.
func MustMarshal(event string, data any) []byte {
	frame, err := Marshal(event, data)
	if err != nil {
		panic(err)
	}
	return frame
}

// Unmarshal decodes one frame. Frames with no event name are rejected.
func Unmarshal(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrBadEnvelope)
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

func (m JoinSession) Validate() error {
	if m.SessionKey == "" {
		return errors.New("join-session: missing sessionKey")
	}
	if m.Participant.ID == "" {
		return errors.New("join-session: missing participant id")
	}
	return nil
}

func (m AddSlide) Validate() error {
	if m.SessionKey == "" {
		return errors.New("add-slide: missing sessionKey")
	}
	if m.Slide.ID == "" {
		return errors.New("add-slide: missing slide id")
	}
	return nil
}

func (m UpdateSlide) Validate() error {
	if m.SessionKey == "" {
		return errors.New("update-slide: missing sessionKey")
	}
	if m.Slide.ID == "" {
		return errors.New("update-slide: missing slide id")
	}
	return nil
}

func (m DeleteSlide) Validate() error {
	if m.SessionKey == "" {
		return errors.New("delete-slide: missing sessionKey")
	}
	if m.SlideID == "" {
		return errors.New("delete-slide: missing slideId")
	}
	return nil
}

func (m ChangeRole) Validate() error {
	if m.SessionKey == "" {
		return errors.New("change-role: missing sessionKey")
	}
	if m.UserID == "" {
		return errors.New("change-role: missing userId")
	}
	return nil
}

func (m AddBlock) Validate() error {
	if m.SessionKey == "" {
		return errors.New("add-block: missing sessionKey")
	}
	if m.SlideID == "" || m.Block.ID == "" {
		return errors.New("add-block: missing slideId or block id")
	}
	return nil
}

func (m UpdateBlock) Validate() error {
	if m.SessionKey == "" {
		return errors.New("update-block: missing sessionKey")
	}
	if m.SlideID == "" || m.Block.ID == "" {
		return errors.New("update-block: missing slideId or block id")
	}
	return nil
}
