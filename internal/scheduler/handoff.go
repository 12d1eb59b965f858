package scheduler

import (
	"context"
	"sync/atomic"
)

// Side names one participant of a Handoff.
type Side int

const (
	SideA Side = iota
	SideB
)

func (s Side) String() string {
	if s == SideA {
		return "A"
	}
	return "B"
}

// Other returns the opposite side.
func (s Side) Other() Side {
	return 1 - s
}

// Handoff is a two-state token. Exactly one token exists; it starts with
// SideA and moves to the other side on Pass, so at most one side holds it.
type Handoff struct {
	turns  [2]chan struct{}
	active atomic.Int32
}

// NewHandoff creates a handoff with SideA active.
func NewHandoff() *Handoff {
	h := &Handoff{
		turns: [2]chan struct{}{make(chan struct{}, 1), make(chan struct{}, 1)},
	}
	h.turns[SideA] <- struct{}{}
	h.active.Store(int32(SideA))
	return h
}

// Wait blocks until side holds the token or ctx is done.
func (h *Handoff) Wait(ctx context.Context, side Side) error {
	select {
	case <-h.turns[side]:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pass gives the token held by from to the other side. Only the holder may call it.
func (h *Handoff) Pass(from Side) {
	h.PassTo(from.Other())
}

// PassTo gives the held token to side. A lone worker uses it to keep its own turn.
func (h *Handoff) PassTo(side Side) {
	h.active.Store(int32(side))
	h.turns[side] <- struct{}{}
}

// Active reports which side the token belongs to.
func (h *Handoff) Active() Side {
	return Side(h.active.Load())
}
