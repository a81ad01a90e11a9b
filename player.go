package main

import (
	"math/rand/v2"

	"github.com/google/uuid"
)

const (
	minNameLength   = 1
	maxNameLength   = 12
	avatarCount     = 12
	minPromptLength = 5
	maxPromptLength = 100
)

// Player holds the data we store server-side for one participant. The ID is
// stable across reconnects; the transport address lives in the websocket
// layer, never here.
type Player struct {
	ID          string
	Name        string
	Host        bool
	Spy         bool
	AvatarID    int
	Connected   bool
	Submissions []*Submission

	// sessionSeq increments every time this player binds to a new
	// connection, so a stale delayed-removal can recognize a reconnect.
	sessionSeq int
}

// Submission is one player's entry for one round: the prompt they wrote and
// the artifacts the generation backend produced for it. Submissions are kept
// for the end-of-game gallery and never deleted.
type Submission struct {
	Round        int
	Prompt       string
	Artifacts    []string // base64 image data, in arrival order
	DrawFinished bool
	Received     bool
	SelectedArt  int // index into Artifacts, -1 until chosen
}

func newPlayer(name string, host bool) *Player {
	return &Player{
		ID:        uuid.NewString(),
		Name:      name,
		Host:      host,
		AvatarID:  1 + rand.IntN(avatarCount),
		Connected: true,
	}
}

func newSubmission(round int, prompt string) *Submission {
	return &Submission{
		Round:       round,
		Prompt:      prompt,
		SelectedArt: -1,
	}
}

// submissionForRound returns this player's entry for the given round, or nil.
// At most one submission per round is ever appended.
func (p *Player) submissionForRound(round int) *Submission {
	for _, s := range p.Submissions {
		if s.Round == round {
			return s
		}
	}
	return nil
}

func validPlayerName(name string) bool {
	n := len([]rune(name))
	return n >= minNameLength && n <= maxNameLength
}

func validPrompt(prompt string) bool {
	n := len([]rune(prompt))
	return n >= minPromptLength && n <= maxPromptLength
}

// playerView is the representation of a player shared with clients. The spy
// flag is deliberately absent.
type playerView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsHost    bool   `json:"is_host"`
	AvatarID  int    `json:"avatar_id"`
	Connected bool   `json:"connected"`
}

func (p *Player) view() playerView {
	return playerView{
		ID:        p.ID,
		Name:      p.Name,
		IsHost:    p.Host,
		AvatarID:  p.AvatarID,
		Connected: p.Connected,
	}
}

// galleryEntry is one submission packed for the end-of-game gallery.
type galleryEntry struct {
	Round       int      `json:"round"`
	Prompt      string   `json:"prompt"`
	ImageData   []string `json:"image_data"`
	SelectedArt int      `json:"selected_art"`
}

type playerGallery struct {
	PlayerName string         `json:"player_name"`
	Entries    []galleryEntry `json:"gallery_data"`
}

func (p *Player) gallery() playerGallery {
	g := playerGallery{PlayerName: p.Name, Entries: make([]galleryEntry, 0, len(p.Submissions))}
	for _, s := range p.Submissions {
		g.Entries = append(g.Entries, galleryEntry{
			Round:       s.Round,
			Prompt:      s.Prompt,
			ImageData:   s.Artifacts,
			SelectedArt: s.SelectedArt,
		})
	}
	return g
}
