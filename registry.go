package main

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"
)

const roomCodeLength = 8

// GameManager owns every live room, keyed by code. Rooms are added on
// creation and leave only through removal or the sweeps; nothing else holds a
// room reference past a lookup.
type GameManager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	cfg    *Config
	notify notifier
	art    artClient
}

func newGameManager(cfg *Config, notify notifier, art artClient) *GameManager {
	gm := &GameManager{
		rooms:  make(map[string]*Room),
		cfg:    cfg,
		notify: notify,
		art:    art,
	}
	if cfg.sweepInterval > 0 {
		go gm.reaperLoop()
	}
	return gm
}

// CreateRoom builds a room around its host player and registers it under a
// fresh code.
func (gm *GameManager) CreateRoom(hostName string) (*Room, *Player, error) {
	if !validPlayerName(hostName) {
		return nil, nil, errNameLength
	}

	host := newPlayer(hostName, true)

	gm.mu.Lock()
	defer gm.mu.Unlock()

	code := gm.newRoomCodeLocked()
	room := newRoom(code, host, gm.cfg, gm.notify, gm.art)
	gm.rooms[code] = room

	return room, host, nil
}

// GetRoom looks up a room by its case-normalized code.
func (gm *GameManager) GetRoom(code string) (*Room, bool) {
	gm.mu.RLock()
	defer gm.mu.RUnlock()

	room, ok := gm.rooms[normalizeRoomCode(code)]
	return room, ok
}

func (gm *GameManager) RemoveRoom(code string) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	delete(gm.rooms, normalizeRoomCode(code))
}

func (gm *GameManager) RoomCount() int {
	gm.mu.RLock()
	defer gm.mu.RUnlock()
	return len(gm.rooms)
}

// ActiveRooms lists every room that has not ended, for the lobby listing.
func (gm *GameManager) ActiveRooms() []roomInfo {
	gm.mu.RLock()
	rooms := make([]*Room, 0, len(gm.rooms))
	for _, room := range gm.rooms {
		rooms = append(rooms, room)
	}
	gm.mu.RUnlock()

	infos := make([]roomInfo, 0, len(rooms))
	for _, room := range rooms {
		info := room.Info()
		if info.PhaseName == phaseEnded {
			continue
		}
		infos = append(infos, info)
	}
	return infos
}

// SweepEmpty removes rooms with no players left, returning how many went.
func (gm *GameManager) SweepEmpty() int {
	gm.mu.Lock()
	candidates := make(map[string]*Room, len(gm.rooms))
	for code, room := range gm.rooms {
		candidates[code] = room
	}
	gm.mu.Unlock()

	removed := 0
	for code, room := range candidates {
		if !room.Empty() {
			continue
		}
		gm.mu.Lock()
		if gm.rooms[code] == room {
			delete(gm.rooms, code)
			removed++
		}
		gm.mu.Unlock()
	}
	return removed
}

// SweepAged removes rooms older than maxAge regardless of population. A
// deliberately blunt policy: bounding memory wins over protecting very long
// games.
func (gm *GameManager) SweepAged(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	gm.mu.Lock()
	defer gm.mu.Unlock()

	removed := 0
	for code, room := range gm.rooms {
		if room.CreatedAt().Before(cutoff) {
			delete(gm.rooms, code)
			removed++
		}
	}
	return removed
}

func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.cfg.sweepInterval)
	for range ticker.C {
		empty := gm.SweepEmpty()
		aged := gm.SweepAged(gm.cfg.roomMaxAge)
		if empty+aged > 0 {
			logf(gm.cfg, "ROOMS: Swept %d empty and %d aged rooms, %d remain", empty, aged, gm.RoomCount())
		}
	}
}

// newRoomCodeLocked generates a crypto-random room code and retries on the
// (unlikely) collision with a live room.
func (gm *GameManager) newRoomCodeLocked() string {
	const letters = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	for {
		buf := make([]byte, roomCodeLength)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, roomCodeLength)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		code := string(out)

		if _, exists := gm.rooms[code]; !exists {
			return code
		}
	}
}

func normalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
