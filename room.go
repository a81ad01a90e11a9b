package main

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	phaseWaiting     = "waiting"
	phaseVotingTopic = "voting_topic"
	phaseShowTopic   = "show_topic"
	phaseDrawing     = "drawing"
	phaseShowArt     = "show_art"
	phaseVoting      = "voting"
	phaseSpyGuess    = "spy_guess"
	phaseEnded       = "ended"
)

// phaseSequenceFor builds the fixed order a room moves through, with one
// drawing/show_art pair per round. The current phase is always an index into
// this table; it only ever increases, one step at a time, with a single
// exception: starting the game jumps straight from waiting to the first
// drawing phase, skipping the two display-only topic phases (see
// beginDrawingLocked).
func phaseSequenceFor(rounds int) []string {
	seq := []string{
		phaseWaiting,
		phaseVotingTopic,
		phaseShowTopic,
	}
	for range rounds {
		seq = append(seq, phaseDrawing, phaseShowArt)
	}
	return append(seq, phaseVoting, phaseSpyGuess, phaseEnded)
}

// firstDrawingPhase is where beginDrawingLocked lands.
const firstDrawingPhase = 3

// notifier is the transport boundary: the engine only ever needs to push an
// event to a set of players by ID. Room-wide messages pass every player's ID;
// role-dependent ones pass a single ID.
type notifier interface {
	send(playerIDs []string, event string, payload any)
}

// Room is one isolated game session. All mutable state is guarded by mu;
// every external event handler, timer callback included, takes the lock
// before touching it. Methods with a Locked suffix assume mu is already held.
type Room struct {
	code      string
	createdAt time.Time
	cfg       *Config
	notify    notifier
	art       artClient

	phases []string

	mu      sync.RWMutex
	players []*Player
	phase   int
	round   int
	topic   string
	keyword string

	votes        map[string]string // voter ID -> target ID
	votesTallied bool
	spyCaught    bool

	reveal      *revealOrder
	revealTimer *time.Timer
	revealToken int

	phaseTimer *time.Timer
	phaseToken int

	// Barrier guards, keyed by round. Once a barrier's side effect has
	// fired, re-evaluating it is a no-op, so late or duplicate completion
	// events are absorbed silently.
	roundDrawn    map[int]bool
	roundRevealed map[int]bool
}

func newRoom(code string, host *Player, cfg *Config, notify notifier, art artClient) *Room {
	r := &Room{
		code:          code,
		createdAt:     time.Now(),
		cfg:           cfg,
		notify:        notify,
		art:           art,
		phases:        phaseSequenceFor(cfg.maxRounds),
		players:       []*Player{host},
		round:         1,
		votes:         make(map[string]string),
		roundDrawn:    make(map[int]bool),
		roundRevealed: make(map[int]bool),
	}
	return r
}

func (r *Room) Code() string { return r.code }

func (r *Room) CreatedAt() time.Time { return r.createdAt }

func (r *Room) phaseNameLocked() string {
	return r.phases[r.phase]
}

// advancePhaseLocked is the only ordinary transition: one step forward, never
// past ended, never backward.
func (r *Room) advancePhaseLocked() {
	if r.phase < len(r.phases)-1 {
		r.phase++
	}
}

// beginDrawingLocked is the documented exception to advance-by-one: starting
// the game skips voting_topic and show_topic, which only exist as display
// beats for the clients, and lands directly on the first drawing phase.
func (r *Room) beginDrawingLocked() {
	r.phase = firstDrawingPhase
}

func (r *Room) playerLocked(id string) *Player {
	for _, p := range r.players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (r *Room) spyLocked() *Player {
	for _, p := range r.players {
		if p.Spy {
			return p
		}
	}
	return nil
}

func (r *Room) playerIDsLocked() []string {
	ids := make([]string, 0, len(r.players))
	for _, p := range r.players {
		ids = append(ids, p.ID)
	}
	return ids
}

func (r *Room) playerViewsLocked() []playerView {
	views := make([]playerView, 0, len(r.players))
	for _, p := range r.players {
		views = append(views, p.view())
	}
	return views
}

func (r *Room) broadcastLocked(event string, payload any) {
	r.notify.send(r.playerIDsLocked(), event, payload)
}

func (r *Room) sendToLocked(playerID, event string, payload any) {
	r.notify.send([]string{playerID}, event, payload)
}

// AddPlayer joins a new player to the room while it is still waiting.
func (r *Room) AddPlayer(name string) (*Player, error) {
	if !validPlayerName(name) {
		return nil, errNameLength
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phaseNameLocked() != phaseWaiting {
		return nil, errGameStarted
	}
	if len(r.players) >= r.cfg.maxPlayers {
		return nil, errRoomFull
	}
	for _, p := range r.players {
		if p.Name == name {
			return nil, errNameTaken
		}
	}

	player := newPlayer(name, false)
	r.players = append(r.players, player)

	r.broadcastLocked("player_joined", playerJoinedMessage{
		Player:  player.view(),
		Players: r.playerViewsLocked(),
	})

	return player, nil
}

// RemovePlayer drops a player from the room, migrating the host role and
// re-evaluating any barrier the departure may have satisfied. Returns true
// once the room is empty.
func (r *Room) RemovePlayer(playerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removePlayerLocked(playerID)
}

func (r *Room) removePlayerLocked(playerID string) bool {
	idx := -1
	for i, p := range r.players {
		if p.ID == playerID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return len(r.players) == 0
	}

	removed := r.players[idx]
	r.players = append(r.players[:idx], r.players[idx+1:]...)

	if len(r.players) == 0 {
		r.stopRevealTimerLocked()
		r.stopPhaseTimerLocked()
		return true
	}

	if removed.Host {
		r.players[0].Host = true
	}

	r.broadcastLocked("player_left", playerLeftMessage{
		PlayerName: removed.Name,
		Players:    r.playerViewsLocked(),
	})

	// The departure may have been the last thing a barrier was waiting on.
	switch r.phaseNameLocked() {
	case phaseDrawing:
		r.checkDrawingFinishedLocked()
		r.checkAllReceivedLocked()
	case phaseShowArt:
		if r.reveal.current() == removed.ID {
			r.nextRevealTurnLocked()
		}
	case phaseVoting:
		if len(r.votes) >= len(r.players) {
			r.tallyVotesLocked()
		}
	}

	return false
}

// Start begins the game: host-only, minimum player count enforced here even
// though joining only caps the maximum. Exactly one player becomes the spy,
// chosen uniformly.
func (r *Room) Start(hostID, topic, keyword string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phaseNameLocked() != phaseWaiting {
		return errWrongPhase
	}
	caller := r.playerLocked(hostID)
	if caller == nil {
		return errUnknownPlayer
	}
	if !caller.Host {
		return errNotHost
	}
	if len(r.players) < r.cfg.minPlayers {
		return errNotEnoughPlayers
	}

	r.topic = topic
	r.keyword = keyword
	r.round = 1

	spyIdx := rand.IntN(len(r.players))
	for i, p := range r.players {
		p.Spy = i == spyIdx
	}

	r.beginDrawingLocked()

	for _, p := range r.players {
		msg := gameStartedMessage{
			Topic:   topic,
			Keyword: keyword,
			IsSpy:   p.Spy,
			Round:   r.round,
		}
		if p.Spy {
			// The spy never learns the keyword.
			msg.Keyword = ""
		}
		r.sendToLocked(p.ID, "game_started", msg)
	}

	return nil
}

// SubmitPrompt records a player's prompt for the current round and hands it
// to the artifact backend. Generation runs out-of-band; its results arrive
// later through DeliverArtifacts, never from this call.
func (r *Room) SubmitPrompt(playerID, prompt string) error {
	if !validPrompt(prompt) {
		return errPromptLength
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phaseNameLocked() != phaseDrawing {
		return errWrongPhase
	}
	player := r.playerLocked(playerID)
	if player == nil {
		return errUnknownPlayer
	}
	if player.submissionForRound(r.round) != nil {
		return errAlreadySubmitted
	}

	round := r.round
	player.Submissions = append(player.Submissions, newSubmission(round, prompt))

	r.sendToLocked(playerID, "drawing_started", simpleMessage{
		Message: "generating artwork, hang tight",
	})

	go r.queueArt(artJob{
		RoomCode: r.code,
		PlayerID: playerID,
		Round:    round,
		Prompt:   prompt,
	})

	return nil
}

// queueArt submits the generation job without holding the room lock. A
// backend failure is recoverable: the pending submission is withdrawn so the
// player can resubmit, and only that player hears about it.
func (r *Room) queueArt(job artJob) {
	ctx, cancel := context.WithTimeout(context.Background(), artQueueTimeout)
	defer cancel()

	if err := r.art.Queue(ctx, job); err == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if player := r.playerLocked(job.PlayerID); player != nil {
		for i, s := range player.Submissions {
			if s.Round == job.Round && !s.DrawFinished {
				player.Submissions = append(player.Submissions[:i], player.Submissions[i+1:]...)
				break
			}
		}
	}
	r.sendToLocked(job.PlayerID, "drawing_error", simpleMessage{
		Message: "artwork generation failed, please resubmit",
	})
}

// DeliverArtifacts attaches generated artifacts to the player's submission
// for the given round and marks it production-complete, then evaluates the
// completion barrier.
func (r *Room) DeliverArtifacts(playerID string, round int, artifacts []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	player := r.playerLocked(playerID)
	if player == nil {
		return errUnknownPlayer
	}
	sub := player.submissionForRound(round)
	if sub == nil {
		return errWrongRound
	}

	sub.Artifacts = append(sub.Artifacts, artifacts...)
	sub.DrawFinished = true

	r.checkDrawingFinishedLocked()
	return nil
}

// checkDrawingFinishedLocked fires the room-wide drawing_finished
// notification once every player's current-round submission is
// production-complete. The roundDrawn guard makes concurrent or repeated
// triggers emit it exactly once.
func (r *Room) checkDrawingFinishedLocked() {
	if r.phaseNameLocked() != phaseDrawing || r.roundDrawn[r.round] {
		return
	}
	for _, p := range r.players {
		sub := p.submissionForRound(r.round)
		if sub == nil || !sub.DrawFinished {
			return
		}
	}

	r.roundDrawn[r.round] = true
	r.broadcastLocked("drawing_finished", drawingFinishedMessage{
		RoomCode: r.code,
		Round:    r.round,
		Players:  r.playerViewsLocked(),
	})
}

// MarkArtReceived records the player's acknowledgement of their own artwork
// and evaluates the reveal-readiness barrier.
func (r *Room) MarkArtReceived(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phaseNameLocked() != phaseDrawing {
		return errWrongPhase
	}
	player := r.playerLocked(playerID)
	if player == nil {
		return errUnknownPlayer
	}
	sub := player.submissionForRound(r.round)
	if sub == nil || !sub.DrawFinished {
		return errWrongRound
	}

	sub.Received = true
	r.checkAllReceivedLocked()
	return nil
}

// checkAllReceivedLocked enters the reveal phase once every player has
// acknowledged their artwork: fresh shuffled reveal order, cursor at zero,
// phase advanced by one, first turn announced and its timer armed. Guarded to
// run once per round.
func (r *Room) checkAllReceivedLocked() {
	if r.phaseNameLocked() != phaseDrawing || r.roundRevealed[r.round] {
		return
	}
	for _, p := range r.players {
		sub := p.submissionForRound(r.round)
		if sub == nil || !sub.Received {
			return
		}
	}

	r.roundRevealed[r.round] = true
	r.reveal = newRevealOrder(r.playerIDsLocked())
	r.advancePhaseLocked()
	r.announceRevealTurnLocked()
}

func (r *Room) announceRevealTurnLocked() {
	r.broadcastLocked("start_showing", startShowingMessage{
		RoomCode:     r.code,
		Round:        r.round,
		ShowArtOrder: r.reveal.order,
		NowShowing:   r.reveal.cursor,
		ShowTime:     int(r.cfg.showArtTime.Seconds()),
		Players:      r.playerViewsLocked(),
	})
	r.armRevealTimerLocked(r.cfg.showArtTime)
}

// SelectArtifact lets the player whose turn it is pick which artifact to
// display. The pending auto-advance timer is superseded, never left to fire
// alongside the fresh one.
func (r *Room) SelectArtifact(playerID string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phaseNameLocked() != phaseShowArt {
		return errWrongPhase
	}
	if r.reveal.current() != playerID {
		return errNotYourTurn
	}
	player := r.playerLocked(playerID)
	if player == nil {
		return errUnknownPlayer
	}
	sub := player.submissionForRound(r.round)
	if sub == nil || index < 0 || index >= len(sub.Artifacts) {
		return errBadArtifact
	}

	sub.SelectedArt = index

	r.broadcastLocked("art_selected", artSelectedMessage{
		RoomCode:    r.code,
		PlayerID:    playerID,
		SelectedArt: sub.Artifacts[index],
		ShowTime:    int(r.cfg.showArtTime.Seconds()),
		Players:     r.playerViewsLocked(),
	})

	r.armRevealTimerLocked(r.cfg.showArtTime)
	return nil
}

// nextRevealTurnLocked steps the reveal sequence: either the next player's
// turn, or, once the order is exhausted, the transition into the next drawing
// round or the voting phase.
func (r *Room) nextRevealTurnLocked() {
	if r.reveal.advance() {
		r.announceRevealTurnLocked()
		return
	}

	r.stopRevealTimerLocked()

	switch r.phases[r.phase+1] {
	case phaseDrawing:
		r.round++
		r.advancePhaseLocked()
		r.broadcastLocked("write_drawing_prompt", writePromptMessage{
			RoomCode: r.code,
			Round:    r.round,
		})
	case phaseVoting:
		r.advancePhaseLocked()
		r.broadcastLocked("start_voting_spy", startVotingMessage{
			RoomCode: r.code,
			Round:    r.round,
			Players:  r.playerViewsLocked(),
		})
		r.armPhaseTimerLocked(r.cfg.votingTime, r.expireVoting)
	}
}

// armPhaseTimerLocked schedules a deadline for the current phase, superseding
// any deadline already pending. Same token discipline as the reveal timer: a
// callback carrying a stale token is absorbed.
func (r *Room) armPhaseTimerLocked(d time.Duration, fire func(token int)) {
	r.phaseToken++
	token := r.phaseToken

	if r.phaseTimer != nil {
		r.phaseTimer.Stop()
	}
	r.phaseTimer = time.AfterFunc(d, func() {
		fire(token)
	})
}

func (r *Room) stopPhaseTimerLocked() {
	if r.phaseTimer != nil {
		r.phaseTimer.Stop()
		r.phaseTimer = nil
	}
	r.phaseToken++
}

// expireVoting forces the tally when the vote window closes with players
// still undecided; whatever votes landed count.
func (r *Room) expireVoting(token int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token != r.phaseToken || r.phaseNameLocked() != phaseVoting {
		return
	}
	r.tallyVotesLocked()
}

// expireGuess forfeits the spy's guess when the deliberation window closes;
// an empty guess never matches the keyword, so everyone else wins.
func (r *Room) expireGuess(token int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token != r.phaseToken || r.phaseNameLocked() != phaseSpyGuess {
		return
	}
	r.resolveGuessLocked("")
}

// SubmitVote records one accusation vote per player. When the last vote
// lands, the tally is resolved: plurality target by first maximum in join
// order (a documented, deterministic tie-break), spy identity revealed, and
// the spy's decoy option list generated.
func (r *Room) SubmitVote(voterID, targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phaseNameLocked() != phaseVoting {
		return errWrongPhase
	}
	if r.playerLocked(voterID) == nil {
		return errUnknownPlayer
	}
	if r.playerLocked(targetID) == nil {
		return errUnknownPlayer
	}
	if _, voted := r.votes[voterID]; voted {
		return errAlreadyVoted
	}

	r.votes[voterID] = targetID

	if len(r.votes) >= len(r.players) {
		r.tallyVotesLocked()
	}
	return nil
}

// tallyVotesLocked resolves the accusation vote exactly once, whether the
// last ballot landed or the voting deadline forced it.
func (r *Room) tallyVotesLocked() {
	if r.votesTallied {
		return
	}
	r.votesTallied = true
	r.stopPhaseTimerLocked()

	counts := make(map[string]int, len(r.players))
	for _, target := range r.votes {
		counts[target]++
	}

	// First maximum encountered, walking players in join order.
	var mostVoted string
	most := -1
	for _, p := range r.players {
		if counts[p.ID] > most {
			most = counts[p.ID]
			mostVoted = p.ID
		}
	}

	spy := r.spyLocked()
	r.spyCaught = spy != nil && mostVoted == spy.ID

	r.advancePhaseLocked()

	spyID := ""
	if spy != nil {
		spyID = spy.ID
	}
	r.broadcastLocked("voting_spy_result", votingResultMessage{
		MostVotedPlayer: mostVoted,
		SpyIs:           spyID,
		GuessSpyCorrect: r.spyCaught,
		VoteCounts:      counts,
		SpyOptions:      decoyOptions(r.topic, r.keyword, r.cfg.maxDecoys),
	})

	r.armPhaseTimerLocked(r.cfg.spyGuessTime, r.expireGuess)
}

// ResolveGuess ends the game with one of three outcomes: the spy was caught
// but guessed the keyword (comeback), walked free and guessed it (big win),
// or guessed wrong (everyone else wins). Only the spy may guess.
func (r *Room) ResolveGuess(playerID, guess string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phaseNameLocked() != phaseSpyGuess {
		return errWrongPhase
	}
	player := r.playerLocked(playerID)
	if player == nil {
		return errUnknownPlayer
	}
	if !player.Spy {
		return errNotSpy
	}

	r.resolveGuessLocked(guess)
	return nil
}

func (r *Room) resolveGuessLocked(guess string) {
	var winType string
	switch {
	case guess == r.keyword && r.spyCaught:
		winType = "spyComeback"
	case guess == r.keyword:
		winType = "spyBigWin"
	default:
		winType = "commonVictory"
	}

	gallery := make([]playerGallery, 0, len(r.players))
	for _, p := range r.players {
		gallery = append(gallery, p.gallery())
	}

	r.stopRevealTimerLocked()
	r.stopPhaseTimerLocked()
	r.advancePhaseLocked()

	r.broadcastLocked("game_ended", gameEndedMessage{
		WinType:       winType,
		CorrectAnswer: r.keyword,
		SpyGuess:      guess,
		Gallery:       gallery,
	})
}

// ChangeAvatar updates a player's avatar while telling the whole room.
func (r *Room) ChangeAvatar(playerID string, avatarID int) error {
	if avatarID < 1 || avatarID > avatarCount {
		return errBadAvatar
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	player := r.playerLocked(playerID)
	if player == nil {
		return errUnknownPlayer
	}
	player.AvatarID = avatarID

	r.broadcastLocked("avatar_changed", avatarChangedMessage{
		PlayerID: playerID,
		AvatarID: avatarID,
	})
	return nil
}

// MarkDisconnected flags the player as offline and returns a session token
// the delayed removal must present: if the player reconnects first, the token
// goes stale and the removal is abandoned.
func (r *Room) MarkDisconnected(playerID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	player := r.playerLocked(playerID)
	if player == nil {
		return 0, false
	}
	player.Connected = false
	player.sessionSeq++
	return player.sessionSeq, true
}

// RemoveIfStillGone performs the disconnect-grace removal, but only if the
// player has not reconnected in the meantime: check current truth, not the
// state captured when the removal was scheduled. Returns true when the room
// is now empty.
func (r *Room) RemoveIfStillGone(playerID string, session int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	player := r.playerLocked(playerID)
	if player == nil {
		return len(r.players) == 0
	}
	if player.Connected || player.sessionSeq != session {
		return false
	}
	return r.removePlayerLocked(playerID)
}

// Reconnect re-binds a previously joined player to a fresh connection and
// returns what the client needs to restore its view.
func (r *Room) Reconnect(playerID string) (rejoinState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	player := r.playerLocked(playerID)
	if player == nil {
		return rejoinState{}, errUnknownPlayer
	}
	player.Connected = true
	player.sessionSeq++

	state := rejoinState{
		Player:  player.view(),
		Players: r.playerViewsLocked(),
		Phase:   r.phase,
		Round:   r.round,
	}
	if r.phase >= firstDrawingPhase && r.phaseNameLocked() != phaseEnded {
		state.InGame = true
		state.Topic = r.topic
		state.IsSpy = player.Spy
		if !player.Spy {
			state.Keyword = r.keyword
		}
	}
	return state, nil
}

// rejoinState is what Reconnect hands the websocket layer for replay.
type rejoinState struct {
	Player  playerView
	Players []playerView
	Phase   int
	Round   int
	InGame  bool
	Topic   string
	Keyword string
	IsSpy   bool
}

// LatestArt returns the player's most recent submission, for the get_my_art
// query.
func (r *Room) LatestArt(playerID string) (round int, artifacts []string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	player := r.playerLocked(playerID)
	if player == nil {
		return 0, nil, errUnknownPlayer
	}
	if len(player.Submissions) == 0 {
		return 0, nil, errWrongRound
	}
	last := player.Submissions[len(player.Submissions)-1]
	return last.Round, last.Artifacts, nil
}

// Info snapshots the room for listings and the room_info query.
type roomInfo struct {
	Code        string    `json:"room_code"`
	Phase       int       `json:"phase"`
	PhaseName   string    `json:"phase_name"`
	Round       int       `json:"current_round"`
	PlayerCount int       `json:"player_count"`
	MaxPlayers  int       `json:"max_players"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r *Room) Info() roomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return roomInfo{
		Code:        r.code,
		Phase:       r.phase,
		PhaseName:   r.phaseNameLocked(),
		Round:       r.round,
		PlayerCount: len(r.players),
		MaxPlayers:  r.cfg.maxPlayers,
		CreatedAt:   r.createdAt,
	}
}

func (r *Room) PlayerViews() []playerView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.playerViewsLocked()
}

func (r *Room) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players) == 0
}
