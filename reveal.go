package main

import (
	"math/rand/v2"
	"time"
)

// revealOrder walks a shuffled permutation of player IDs, one turn per
// player, during a show_art phase. A fresh order is generated every time the
// phase is entered; nothing carries over between rounds.
type revealOrder struct {
	order  []string
	cursor int
}

func newRevealOrder(playerIDs []string) *revealOrder {
	order := make([]string, len(playerIDs))
	copy(order, playerIDs)
	rand.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return &revealOrder{order: order}
}

func (o *revealOrder) current() string {
	if o == nil || o.cursor >= len(o.order) {
		return ""
	}
	return o.order[o.cursor]
}

func (o *revealOrder) hasNext() bool {
	return o != nil && o.cursor < len(o.order)-1
}

// advance moves the cursor to the next turn, reporting whether it moved. The
// cursor never passes the final turn.
func (o *revealOrder) advance() bool {
	if !o.hasNext() {
		return false
	}
	o.cursor++
	return true
}

// armRevealTimerLocked schedules the auto-advance for the current reveal
// turn, superseding any timer already pending. The token ties the callback to
// the turn it was armed for: re-arming invalidates the old callback, so a
// selection and a timeout racing for the same turn produce exactly one
// advance.
func (r *Room) armRevealTimerLocked(d time.Duration) {
	r.revealToken++
	token := r.revealToken

	if r.revealTimer != nil {
		r.revealTimer.Stop()
	}
	r.revealTimer = time.AfterFunc(d, func() {
		r.advanceRevealTurn(token)
	})
}

func (r *Room) stopRevealTimerLocked() {
	if r.revealTimer != nil {
		r.revealTimer.Stop()
		r.revealTimer = nil
	}
	r.revealToken++
}

// advanceRevealTurn is entered by the reveal timer firing. It takes the room
// lock like any player-originated event and is silently absorbed when its
// token has been superseded.
func (r *Room) advanceRevealTurn(token int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token != r.revealToken || r.phaseNameLocked() != phaseShowArt {
		return
	}
	r.nextRevealTurnLocked()
}
