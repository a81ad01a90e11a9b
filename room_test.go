package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	playerIDs []string
	event     string
	payload   any
}

// recordingNotifier captures everything the engine pushes, for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) send(playerIDs []string, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ids := make([]string, len(playerIDs))
	copy(ids, playerIDs)
	n.events = append(n.events, recordedEvent{playerIDs: ids, event: event, payload: payload})
}

func (n *recordingNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	total := 0
	for _, e := range n.events {
		if e.event == event {
			total++
		}
	}
	return total
}

func (n *recordingNotifier) last(event string) (recordedEvent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].event == event {
			return n.events[i], true
		}
	}
	return recordedEvent{}, false
}

// stubArtClient accepts every job and produces nothing; tests deliver
// artifacts explicitly.
type stubArtClient struct{}

func (stubArtClient) Queue(_ context.Context, _ artJob) error { return nil }

func testConfig() *Config {
	return &Config{
		minPlayers:      3,
		maxPlayers:      8,
		maxRounds:       2,
		showArtTime:     10 * time.Second,
		votingTime:      10 * time.Second,
		spyGuessTime:    10 * time.Second,
		disconnectGrace: 10 * time.Millisecond,
		maxDecoys:       15,
	}
}

func newTestRoom(t *testing.T, cfg *Config, playerCount int) (*Room, *recordingNotifier, []*Player) {
	t.Helper()

	notify := &recordingNotifier{}
	host := newPlayer("player0", true)
	room := newRoom("TESTROOM", host, cfg, notify, stubArtClient{})

	players := []*Player{host}
	for i := 1; i < playerCount; i++ {
		p, err := room.AddPlayer(fmt.Sprintf("player%d", i))
		require.NoError(t, err)
		players = append(players, p)
	}
	return room, notify, players
}

func startTestGame(t *testing.T, room *Room, players []*Player) {
	t.Helper()
	require.NoError(t, room.Start(players[0].ID, "Animals", "Axolotl"))
}

// finishRound submits a prompt and delivers artifacts for every player, then
// acknowledges receipt for every player, pushing the room into show_art.
func finishRound(t *testing.T, room *Room, players []*Player) {
	t.Helper()

	round := room.Info().Round
	for _, p := range players {
		require.NoError(t, room.SubmitPrompt(p.ID, "an axolotl wearing a trench coat"))
		require.NoError(t, room.DeliverArtifacts(p.ID, round, []string{placeholderArtifact()}))
	}
	for _, p := range players {
		require.NoError(t, room.MarkArtReceived(p.ID))
	}
	require.Equal(t, phaseShowArt, room.Info().PhaseName)
}

// drainReveal fires the pending reveal turn until the room leaves show_art,
// simulating every turn timing out.
func drainReveal(t *testing.T, room *Room) {
	t.Helper()

	for i := 0; i < 32; i++ {
		if room.Info().PhaseName != phaseShowArt {
			return
		}
		room.mu.RLock()
		token := room.revealToken
		room.mu.RUnlock()
		room.advanceRevealTurn(token)
	}
	t.Fatal("reveal phase never ended")
}

func playToVoting(t *testing.T, room *Room, players []*Player) {
	t.Helper()

	for room.Info().PhaseName != phaseVoting {
		finishRound(t, room, players)
		drainReveal(t, room)
	}
}

func TestStartGame(t *testing.T) {
	t.Parallel()

	t.Run("Assigns Exactly One Spy", func(t *testing.T) {
		t.Parallel()
		room, notify, players := newTestRoom(t, testConfig(), 4)
		startTestGame(t, room, players)

		spies := 0
		for _, p := range players {
			if p.Spy {
				spies++
			}
		}
		assert.Equal(t, 1, spies)

		info := room.Info()
		assert.Equal(t, firstDrawingPhase, info.Phase)
		assert.Equal(t, phaseDrawing, info.PhaseName)
		assert.Equal(t, 1, info.Round)

		assert.Equal(t, 4, notify.count("game_started"))
	})

	t.Run("Spy Never Sees The Keyword", func(t *testing.T) {
		t.Parallel()
		room, notify, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)

		notify.mu.Lock()
		defer notify.mu.Unlock()
		for _, e := range notify.events {
			if e.event != "game_started" {
				continue
			}
			msg := e.payload.(gameStartedMessage)
			if msg.IsSpy {
				assert.Empty(t, msg.Keyword)
			} else {
				assert.Equal(t, "Axolotl", msg.Keyword)
			}
			assert.Equal(t, "Animals", msg.Topic)
		}
	})

	t.Run("Rejects Non-Host", func(t *testing.T) {
		t.Parallel()
		room, _, players := newTestRoom(t, testConfig(), 3)

		err := room.Start(players[1].ID, "Animals", "Axolotl")
		assert.ErrorIs(t, err, errNotHost)
	})

	t.Run("Rejects Too Few Players", func(t *testing.T) {
		t.Parallel()
		room, _, players := newTestRoom(t, testConfig(), 2)

		err := room.Start(players[0].ID, "Animals", "Axolotl")
		assert.ErrorIs(t, err, errNotEnoughPlayers)
	})

	t.Run("Rejects Double Start", func(t *testing.T) {
		t.Parallel()
		room, _, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)

		err := room.Start(players[0].ID, "Animals", "Axolotl")
		assert.ErrorIs(t, err, errWrongPhase)
	})
}

func TestAddPlayer(t *testing.T) {
	t.Parallel()

	t.Run("Validates Name Length", func(t *testing.T) {
		t.Parallel()
		room, _, _ := newTestRoom(t, testConfig(), 1)

		_, err := room.AddPlayer("")
		assert.ErrorIs(t, err, errNameLength)

		_, err = room.AddPlayer("thirteenchars")
		assert.ErrorIs(t, err, errNameLength)
	})

	t.Run("Rejects Duplicate Name", func(t *testing.T) {
		t.Parallel()
		room, _, _ := newTestRoom(t, testConfig(), 2)

		_, err := room.AddPlayer("player1")
		assert.ErrorIs(t, err, errNameTaken)
	})

	t.Run("Rejects Join After Start", func(t *testing.T) {
		t.Parallel()
		room, _, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)

		_, err := room.AddPlayer("latecomer")
		assert.ErrorIs(t, err, errGameStarted)
	})

	t.Run("Enforces Capacity", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.maxPlayers = 3
		room, _, _ := newTestRoom(t, cfg, 3)

		_, err := room.AddPlayer("overflow")
		assert.ErrorIs(t, err, errRoomFull)
	})

	t.Run("Broadcasts Join", func(t *testing.T) {
		t.Parallel()
		room, notify, _ := newTestRoom(t, testConfig(), 3)

		assert.Equal(t, 2, notify.count("player_joined"))
		e, ok := notify.last("player_joined")
		require.True(t, ok)
		assert.Len(t, e.payload.(playerJoinedMessage).Players, 3)

		assert.Len(t, room.PlayerViews(), 3)
	})
}

func TestDrawingBarrier(t *testing.T) {
	t.Parallel()

	t.Run("Fires Exactly Once Under Concurrent Delivery", func(t *testing.T) {
		t.Parallel()
		room, notify, players := newTestRoom(t, testConfig(), 4)
		startTestGame(t, room, players)

		for _, p := range players {
			require.NoError(t, room.SubmitPrompt(p.ID, "an axolotl wearing a trench coat"))
		}

		var wg sync.WaitGroup
		for _, p := range players {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, room.DeliverArtifacts(p.ID, 1, []string{placeholderArtifact()}))
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, notify.count("drawing_finished"))
	})

	t.Run("Duplicate Prompt Rejected", func(t *testing.T) {
		t.Parallel()
		room, _, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)

		require.NoError(t, room.SubmitPrompt(players[0].ID, "an axolotl wearing a trench coat"))
		err := room.SubmitPrompt(players[0].ID, "an axolotl wearing a trench coat")
		assert.ErrorIs(t, err, errAlreadySubmitted)
	})

	t.Run("Prompt Length Validated", func(t *testing.T) {
		t.Parallel()
		room, _, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)

		assert.ErrorIs(t, room.SubmitPrompt(players[0].ID, "hi"), errPromptLength)
	})

	t.Run("Departure Completes The Barrier", func(t *testing.T) {
		t.Parallel()
		room, notify, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)

		for _, p := range players[:2] {
			require.NoError(t, room.SubmitPrompt(p.ID, "an axolotl wearing a trench coat"))
			require.NoError(t, room.DeliverArtifacts(p.ID, 1, []string{placeholderArtifact()}))
		}
		assert.Equal(t, 0, notify.count("drawing_finished"))

		room.RemovePlayer(players[2].ID)
		assert.Equal(t, 1, notify.count("drawing_finished"))
	})
}

func TestRevealPhase(t *testing.T) {
	t.Parallel()

	t.Run("All Acks Enter Show Art Once", func(t *testing.T) {
		t.Parallel()
		room, notify, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)
		finishRound(t, room, players)

		require.Equal(t, 1, notify.count("start_showing"))

		e, ok := notify.last("start_showing")
		require.True(t, ok)
		msg := e.payload.(startShowingMessage)
		assert.Equal(t, 0, msg.NowShowing)

		ids := make([]string, 0, len(players))
		for _, p := range players {
			ids = append(ids, p.ID)
		}
		assert.ElementsMatch(t, ids, msg.ShowArtOrder)

		// Late acks are absorbed, not re-triggered.
		assert.ErrorIs(t, room.MarkArtReceived(players[0].ID), errWrongPhase)
		assert.Equal(t, 1, notify.count("start_showing"))
	})

	t.Run("Selection Is Current Turn Only", func(t *testing.T) {
		t.Parallel()
		room, notify, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)
		finishRound(t, room, players)

		e, _ := notify.last("start_showing")
		order := e.payload.(startShowingMessage).ShowArtOrder

		for _, p := range players {
			if p.ID == order[0] {
				continue
			}
			assert.ErrorIs(t, room.SelectArtifact(p.ID, 0), errNotYourTurn)
		}

		assert.ErrorIs(t, room.SelectArtifact(order[0], 5), errBadArtifact)
		require.NoError(t, room.SelectArtifact(order[0], 0))

		sel, ok := notify.last("art_selected")
		require.True(t, ok)
		assert.Equal(t, order[0], sel.payload.(artSelectedMessage).PlayerID)
	})

	t.Run("Selection Supersedes The Pending Timer", func(t *testing.T) {
		t.Parallel()
		room, _, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)
		finishRound(t, room, players)

		room.mu.RLock()
		stale := room.revealToken
		current := room.reveal.current()
		cursor := room.reveal.cursor
		room.mu.RUnlock()

		require.NoError(t, room.SelectArtifact(current, 0))

		// The timer armed before the selection fires with a stale token
		// and must not advance the turn.
		room.advanceRevealTurn(stale)

		room.mu.RLock()
		defer room.mu.RUnlock()
		assert.Equal(t, cursor, room.reveal.cursor)
		assert.NotEqual(t, stale, room.revealToken)
	})

	t.Run("Exhausted Order Starts The Next Round", func(t *testing.T) {
		t.Parallel()
		room, notify, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)
		finishRound(t, room, players)
		drainReveal(t, room)

		require.Equal(t, 1, notify.count("write_drawing_prompt"))
		info := room.Info()
		assert.Equal(t, phaseDrawing, info.PhaseName)
		assert.Equal(t, 2, info.Round)
	})

	t.Run("Final Round Leads To Voting", func(t *testing.T) {
		t.Parallel()
		room, notify, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)
		playToVoting(t, room, players)

		assert.Equal(t, 1, notify.count("start_voting_spy"))
		assert.Equal(t, phaseVoting, room.Info().PhaseName)
	})

	t.Run("Current Turn Departure Advances", func(t *testing.T) {
		t.Parallel()
		room, notify, players := newTestRoom(t, testConfig(), 4)
		startTestGame(t, room, players)
		finishRound(t, room, players)

		e, _ := notify.last("start_showing")
		order := e.payload.(startShowingMessage).ShowArtOrder

		before := notify.count("start_showing")
		room.RemovePlayer(order[0])
		assert.Equal(t, before+1, notify.count("start_showing"))
	})
}

func TestVoting(t *testing.T) {
	t.Parallel()

	t.Run("Plurality Catches The Spy", func(t *testing.T) {
		t.Parallel()
		room, notify, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)
		playToVoting(t, room, players)

		room.mu.RLock()
		spy := room.spyLocked()
		room.mu.RUnlock()
		require.NotNil(t, spy)

		for _, p := range players {
			require.NoError(t, room.SubmitVote(p.ID, spy.ID))
		}

		require.Equal(t, 1, notify.count("voting_spy_result"))
		e, _ := notify.last("voting_spy_result")
		msg := e.payload.(votingResultMessage)

		assert.Equal(t, spy.ID, msg.MostVotedPlayer)
		assert.Equal(t, spy.ID, msg.SpyIs)
		assert.True(t, msg.GuessSpyCorrect)
		assert.Equal(t, 3, msg.VoteCounts[spy.ID])

		assert.Contains(t, msg.SpyOptions, "Axolotl")
		assert.LessOrEqual(t, len(msg.SpyOptions), testConfig().maxDecoys+1)

		assert.Equal(t, phaseSpyGuess, room.Info().PhaseName)
	})

	t.Run("Double Vote Rejected", func(t *testing.T) {
		t.Parallel()
		room, _, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)
		playToVoting(t, room, players)

		require.NoError(t, room.SubmitVote(players[0].ID, players[1].ID))
		err := room.SubmitVote(players[0].ID, players[2].ID)
		assert.ErrorIs(t, err, errAlreadyVoted)
	})

	t.Run("Vote Outside Voting Phase Rejected", func(t *testing.T) {
		t.Parallel()
		room, _, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)

		err := room.SubmitVote(players[0].ID, players[1].ID)
		assert.ErrorIs(t, err, errWrongPhase)
	})

	t.Run("Deadline Forces The Tally", func(t *testing.T) {
		t.Parallel()
		room, notify, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)
		playToVoting(t, room, players)

		require.NoError(t, room.SubmitVote(players[0].ID, players[1].ID))

		room.mu.RLock()
		token := room.phaseToken
		room.mu.RUnlock()
		room.expireVoting(token)

		require.Equal(t, 1, notify.count("voting_spy_result"))
		e, _ := notify.last("voting_spy_result")
		assert.Equal(t, 1, e.payload.(votingResultMessage).VoteCounts[players[1].ID])
		assert.Equal(t, phaseSpyGuess, room.Info().PhaseName)

		// The expired deadline cannot tally twice.
		room.expireVoting(token)
		assert.Equal(t, 1, notify.count("voting_spy_result"))
	})

	t.Run("Departure Completes The Vote", func(t *testing.T) {
		t.Parallel()
		room, notify, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)
		playToVoting(t, room, players)

		require.NoError(t, room.SubmitVote(players[0].ID, players[1].ID))
		require.NoError(t, room.SubmitVote(players[1].ID, players[0].ID))

		// The last outstanding voter leaves; the tally no longer waits on them.
		room.RemovePlayer(players[2].ID)

		require.Equal(t, 1, notify.count("voting_spy_result"))
		assert.Equal(t, phaseSpyGuess, room.Info().PhaseName)
	})
}

func TestResolveGuess(t *testing.T) {
	t.Parallel()

	// playToGuess drives a full game where every player votes for target.
	playToGuess := func(t *testing.T, voteForSpy bool) (*Room, *recordingNotifier, *Player) {
		t.Helper()

		room, notify, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)
		playToVoting(t, room, players)

		room.mu.RLock()
		spy := room.spyLocked()
		room.mu.RUnlock()
		require.NotNil(t, spy)

		target := spy
		if !voteForSpy {
			for _, p := range players {
				if !p.Spy {
					target = p
					break
				}
			}
		}
		for _, p := range players {
			require.NoError(t, room.SubmitVote(p.ID, target.ID))
		}
		return room, notify, spy
	}

	t.Run("Only The Spy May Guess", func(t *testing.T) {
		t.Parallel()
		room, _, spy := playToGuess(t, true)

		for _, v := range room.PlayerViews() {
			if v.ID == spy.ID {
				continue
			}
			assert.ErrorIs(t, room.ResolveGuess(v.ID, "Axolotl"), errNotSpy)
		}
	})

	t.Run("Caught Spy Guessing Right Is A Comeback", func(t *testing.T) {
		t.Parallel()
		room, notify, spy := playToGuess(t, true)

		require.NoError(t, room.ResolveGuess(spy.ID, "Axolotl"))

		e, ok := notify.last("game_ended")
		require.True(t, ok)
		msg := e.payload.(gameEndedMessage)
		assert.Equal(t, "spyComeback", msg.WinType)
		assert.Equal(t, "Axolotl", msg.CorrectAnswer)
		assert.Len(t, msg.Gallery, 3)
		for _, g := range msg.Gallery {
			assert.Len(t, g.Entries, 2)
		}

		assert.Equal(t, phaseEnded, room.Info().PhaseName)
	})

	t.Run("Uncaught Spy Guessing Right Is A Big Win", func(t *testing.T) {
		t.Parallel()
		room, notify, spy := playToGuess(t, false)

		require.NoError(t, room.ResolveGuess(spy.ID, "Axolotl"))

		e, _ := notify.last("game_ended")
		assert.Equal(t, "spyBigWin", e.payload.(gameEndedMessage).WinType)
	})

	t.Run("Wrong Guess Hands Everyone Else The Win", func(t *testing.T) {
		t.Parallel()
		room, notify, spy := playToGuess(t, false)

		require.NoError(t, room.ResolveGuess(spy.ID, "Penguin"))

		e, _ := notify.last("game_ended")
		msg := e.payload.(gameEndedMessage)
		assert.Equal(t, "commonVictory", msg.WinType)
		assert.Equal(t, "Penguin", msg.SpyGuess)
	})

	t.Run("Deadline Forfeits The Guess", func(t *testing.T) {
		t.Parallel()
		room, notify, _ := playToGuess(t, true)

		room.mu.RLock()
		token := room.phaseToken
		room.mu.RUnlock()
		room.expireGuess(token)

		require.Equal(t, 1, notify.count("game_ended"))
		e, _ := notify.last("game_ended")
		msg := e.payload.(gameEndedMessage)
		assert.Equal(t, "commonVictory", msg.WinType)
		assert.Empty(t, msg.SpyGuess)
		assert.Equal(t, phaseEnded, room.Info().PhaseName)
	})
}

func TestHostMigration(t *testing.T) {
	t.Parallel()

	room, notify, players := newTestRoom(t, testConfig(), 3)
	room.RemovePlayer(players[0].ID)

	views := room.PlayerViews()
	require.Len(t, views, 2)
	assert.True(t, views[0].IsHost)

	e, ok := notify.last("player_left")
	require.True(t, ok)
	assert.Equal(t, "player0", e.payload.(playerLeftMessage).PlayerName)
}

func TestDisconnectGrace(t *testing.T) {
	t.Parallel()

	t.Run("Reconnect Cancels Removal", func(t *testing.T) {
		t.Parallel()
		room, _, players := newTestRoom(t, testConfig(), 3)

		session, ok := room.MarkDisconnected(players[1].ID)
		require.True(t, ok)

		_, err := room.Reconnect(players[1].ID)
		require.NoError(t, err)

		assert.False(t, room.RemoveIfStillGone(players[1].ID, session))
		assert.Len(t, room.PlayerViews(), 3)
	})

	t.Run("Absent Player Is Removed", func(t *testing.T) {
		t.Parallel()
		room, _, players := newTestRoom(t, testConfig(), 3)

		session, ok := room.MarkDisconnected(players[1].ID)
		require.True(t, ok)

		room.RemoveIfStillGone(players[1].ID, session)
		assert.Len(t, room.PlayerViews(), 2)
	})

	t.Run("Rejoin Withholds The Keyword From The Spy", func(t *testing.T) {
		t.Parallel()
		room, _, players := newTestRoom(t, testConfig(), 3)
		startTestGame(t, room, players)

		for _, p := range players {
			state, err := room.Reconnect(p.ID)
			require.NoError(t, err)
			assert.True(t, state.InGame)
			if p.Spy {
				assert.Empty(t, state.Keyword)
			} else {
				assert.Equal(t, "Axolotl", state.Keyword)
			}
		}
	})
}

func TestChangeAvatar(t *testing.T) {
	t.Parallel()

	room, notify, players := newTestRoom(t, testConfig(), 3)

	assert.ErrorIs(t, room.ChangeAvatar(players[0].ID, 0), errBadAvatar)
	assert.ErrorIs(t, room.ChangeAvatar(players[0].ID, avatarCount+1), errBadAvatar)

	require.NoError(t, room.ChangeAvatar(players[0].ID, 7))
	assert.Equal(t, 7, players[0].AvatarID)
	assert.Equal(t, 1, notify.count("avatar_changed"))
}

func TestPhaseSequence(t *testing.T) {
	t.Parallel()

	seq := phaseSequenceFor(2)
	assert.Equal(t, phaseWaiting, seq[0])
	assert.Equal(t, phaseDrawing, seq[firstDrawingPhase])
	assert.Equal(t, phaseEnded, seq[len(seq)-1])

	// One drawing/show_art pair per round.
	assert.Len(t, phaseSequenceFor(3), len(seq)+2)
}
