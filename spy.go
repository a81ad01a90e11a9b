// AI Art Spy
//
// A social deduction drawing game. Everyone in a room is shown a topic and a
// secret keyword, except one player: the spy only sees the topic. Each
// round every player writes a text prompt, an image backend paints it, and the
// results are revealed one player at a time. After the final round everyone
// votes on who the spy is, the spy gets one shot at guessing the keyword from
// a decoy-padded option list, and the gallery of everything drawn closes out
// the game.
//
// Features:
// - One websocket endpoint: clients create, join, or rejoin rooms by message
// - Room codes are random 8-char strings with server-side collision check
// - Exactly one host per room; the role migrates when the host leaves
// - Artifacts arrive asynchronously via POST /upload from the image backend
// - Reveal turns auto-advance on a timer, superseded by explicit selection
// - Disconnected players get a grace period before removal, cancelled by
//   reconnecting
// - Rooms are reaped once empty or past a maximum age
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"golang.org/x/time/rate"
)

const maxUploadBytes = 32 << 20

// ClientMessage is the single inbound message shape; Type selects the event
// and decides which other fields matter.
type ClientMessage struct {
	Type           string `json:"type"`
	PlayerName     string `json:"player_name,omitempty"`
	RoomCode       string `json:"room_code,omitempty"`
	PlayerID       string `json:"player_id,omitempty"` // rejoin only
	AvatarID       int    `json:"avatar_id,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	SelectedArtNo  int    `json:"selected_art_no"`
	VotedPlayerID  string `json:"voted_player_id,omitempty"`
	GuessedKeyword string `json:"guessed_keyword,omitempty"`
}

// serverMessage is the outbound envelope: event name plus typed payload.
type serverMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type simpleMessage struct {
	Message string `json:"message"`
}

type roomCreatedMessage struct {
	RoomCode string     `json:"room_code"`
	Player   playerView `json:"player"`
}

type joinSuccessMessage struct {
	RoomCode string       `json:"room_code"`
	Player   playerView   `json:"player"`
	Players  []playerView `json:"players"`
}

type playerJoinedMessage struct {
	Player  playerView   `json:"player"`
	Players []playerView `json:"players"`
}

type playerLeftMessage struct {
	PlayerName string       `json:"player_name"`
	Players    []playerView `json:"players"`
}

type avatarChangedMessage struct {
	PlayerID string `json:"player_id"`
	AvatarID int    `json:"avatar_id"`
}

type gameStartedMessage struct {
	Topic   string `json:"topic"`
	Keyword string `json:"keyword,omitempty"`
	IsSpy   bool   `json:"is_spy"`
	Round   int    `json:"round"`
}

type drawingFinishedMessage struct {
	RoomCode string       `json:"room_code"`
	Round    int          `json:"round"`
	Players  []playerView `json:"players"`
}

type startShowingMessage struct {
	RoomCode     string       `json:"room_code"`
	Round        int          `json:"round"`
	ShowArtOrder []string     `json:"show_art_order"`
	NowShowing   int          `json:"now_showing"`
	ShowTime     int          `json:"show_time"`
	Players      []playerView `json:"players"`
}

type artSelectedMessage struct {
	RoomCode    string       `json:"room_code"`
	PlayerID    string       `json:"player_id"`
	SelectedArt string       `json:"selected_art"`
	ShowTime    int          `json:"show_time"`
	Players     []playerView `json:"players"`
}

type writePromptMessage struct {
	RoomCode string `json:"room_code"`
	Round    int    `json:"round"`
}

type startVotingMessage struct {
	RoomCode string       `json:"room_code"`
	Round    int          `json:"round"`
	Players  []playerView `json:"players"`
}

type votingResultMessage struct {
	MostVotedPlayer string         `json:"most_voted_player"`
	SpyIs           string         `json:"spy_is"`
	GuessSpyCorrect bool           `json:"guess_spy_correct"`
	VoteCounts      map[string]int `json:"vote_counts"`
	SpyOptions      []string       `json:"spy_options"`
}

type gameEndedMessage struct {
	WinType       string          `json:"win_type"`
	CorrectAnswer string          `json:"correct_answer"`
	SpyGuess      string          `json:"spy_guess"`
	Gallery       []playerGallery `json:"gallery"`
}

type roomRejoinedMessage struct {
	RoomCode     string       `json:"room_code"`
	Player       playerView   `json:"player"`
	Players      []playerView `json:"players"`
	Phase        int          `json:"phase"`
	CurrentRound int          `json:"current_round"`
}

type myArtMessage struct {
	Round     int      `json:"round"`
	ImageData []string `json:"image_data"`
}

type roomInfoMessage struct {
	roomInfo
	Players []playerView `json:"players"`
}

// Client is one websocket connection. roomCode and playerID are bound after
// a successful create/join/rejoin and only touched from the read pump.
type Client struct {
	conn    *websocket.Conn
	send    chan serverMessage
	limiter *rate.Limiter

	// mu guards closed and every write to send; a superseded client's
	// read pump may still be producing replies when the channel closes.
	mu     sync.Mutex
	closed bool

	roomCode string
	playerID string
}

// enqueue hands the message to the write pump without blocking. Returns
// false when the client is shut down or its buffer is full.
func (c *Client) enqueue(msg serverMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// shutdown closes the outbound channel exactly once. It shares mu with
// enqueue, so no send can race the close; the write pump drains, exits, and
// closes the connection, which in turn releases the read pump.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// wsNotifier implements the engine's notifier boundary over live websocket
// clients, keyed by player ID. Slow clients are dropped rather than allowed
// to stall a room.
type wsNotifier struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func newWSNotifier() *wsNotifier {
	return &wsNotifier{clients: make(map[string]*Client)}
}

func (n *wsNotifier) send(playerIDs []string, event string, payload any) {
	msg := serverMessage{Type: event, Data: payload}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, id := range playerIDs {
		c, ok := n.clients[id]
		if !ok {
			continue
		}
		if !c.enqueue(msg) {
			delete(n.clients, id)
			c.shutdown()
		}
	}
}

func (n *wsNotifier) bind(playerID string, c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if old, ok := n.clients[playerID]; ok && old != c {
		old.shutdown()
	}
	n.clients[playerID] = c
}

// unbind removes the mapping, but only if it still points at this client; a
// reconnect may already have replaced it.
func (n *wsNotifier) unbind(playerID string, c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.clients[playerID] == c {
		delete(n.clients, playerID)
	}
}

// spyGame wires the engine to its collaborators: websocket transport,
// artifact backend, room registry.
type spyGame struct {
	cfg    *Config
	notify *wsNotifier
	gm     *GameManager
}

func newSpyGame(cfg *Config) *spyGame {
	sg := &spyGame{
		cfg:    cfg,
		notify: newWSNotifier(),
	}

	var art artClient
	if cfg.comfyURL != "" {
		art = newComfyClient(cfg.comfyURL, cfg.comfyWorkflow)
	} else {
		logf(cfg, "ART: No backend configured, using placeholder generator")
		art = newMockArtClient(2*time.Second, sg.deliverArtifacts)
	}

	sg.gm = newGameManager(cfg, sg.notify, art)
	return sg
}

func (sg *spyGame) deliverArtifacts(job artJob, artifacts []string) {
	room, ok := sg.gm.GetRoom(job.RoomCode)
	if !ok {
		return
	}
	if err := room.DeliverArtifacts(job.PlayerID, job.Round, artifacts); err != nil {
		logf(sg.cfg, "ART: Dropping artifacts for %s round %d: %v", job.RoomCode, job.Round, err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (sg *spyGame) serveWS() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(sg.cfg, "SERVE: Websocket upgrade failed for %s: %v", realIP(r), err)
			return
		}

		client := &Client{
			conn:    conn,
			send:    make(chan serverMessage, 16),
			limiter: rate.NewLimiter(rate.Limit(10), 20),
		}

		go client.writePump()
		sg.readPump(client)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *Client) sendDirect(event string, payload any) {
	c.enqueue(serverMessage{Type: event, Data: payload})
}

func (c *Client) sendError(err error) {
	c.sendDirect("error", simpleMessage{Message: err.Error()})
}

func (sg *spyGame) readPump(c *Client) {
	defer func() {
		sg.handleDisconnect(c)
		c.shutdown()
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		if !c.limiter.Allow() {
			c.sendError(errTooFast)
			continue
		}

		sg.dispatch(c, msg)
	}
}

func (sg *spyGame) dispatch(c *Client, msg ClientMessage) {
	switch msg.Type {
	case "ping":
		c.sendDirect("pong", nil)
	case "create_room":
		sg.handleCreateRoom(c, msg)
	case "join_room":
		sg.handleJoinRoom(c, msg)
	case "rejoin_room":
		sg.handleRejoinRoom(c, msg)
	case "leave_room":
		sg.handleLeaveRoom(c)
	default:
		sg.handleRoomEvent(c, msg)
	}
}

func (sg *spyGame) handleCreateRoom(c *Client, msg ClientMessage) {
	if c.playerID != "" {
		c.sendError(errAlreadyInRoom)
		return
	}

	room, host, err := sg.gm.CreateRoom(strings.TrimSpace(msg.PlayerName))
	if err != nil {
		c.sendError(err)
		return
	}

	c.roomCode = room.Code()
	c.playerID = host.ID
	sg.notify.bind(host.ID, c)

	logf(sg.cfg, "ROOMS: Created room %s for %q", room.Code(), host.Name)

	c.sendDirect("room_created", roomCreatedMessage{
		RoomCode: room.Code(),
		Player:   host.view(),
	})
}

func (sg *spyGame) handleJoinRoom(c *Client, msg ClientMessage) {
	if c.playerID != "" {
		c.sendError(errAlreadyInRoom)
		return
	}

	room, ok := sg.gm.GetRoom(msg.RoomCode)
	if !ok {
		c.sendError(errRoomNotFound)
		return
	}

	player, err := room.AddPlayer(strings.TrimSpace(msg.PlayerName))
	if err != nil {
		c.sendError(err)
		return
	}

	c.roomCode = room.Code()
	c.playerID = player.ID
	sg.notify.bind(player.ID, c)

	logf(sg.cfg, "ROOMS: Player %q joined %s", player.Name, room.Code())

	c.sendDirect("join_room_success", joinSuccessMessage{
		RoomCode: room.Code(),
		Player:   player.view(),
		Players:  room.PlayerViews(),
	})
}

func (sg *spyGame) handleRejoinRoom(c *Client, msg ClientMessage) {
	if c.playerID != "" {
		c.sendError(errAlreadyInRoom)
		return
	}

	room, ok := sg.gm.GetRoom(msg.RoomCode)
	if !ok {
		c.sendError(errRoomNotFound)
		return
	}

	state, err := room.Reconnect(msg.PlayerID)
	if err != nil {
		c.sendError(err)
		return
	}

	c.roomCode = room.Code()
	c.playerID = msg.PlayerID
	sg.notify.bind(msg.PlayerID, c)

	logf(sg.cfg, "ROOMS: Player %q reconnected to %s", state.Player.Name, room.Code())

	c.sendDirect("room_rejoined", roomRejoinedMessage{
		RoomCode:     room.Code(),
		Player:       state.Player,
		Players:      state.Players,
		Phase:        state.Phase,
		CurrentRound: state.Round,
	})

	// Mid-game rejoins get their role payload replayed so the client can
	// restore its view. The spy still never sees the keyword.
	if state.InGame {
		c.sendDirect("game_started", gameStartedMessage{
			Topic:   state.Topic,
			Keyword: state.Keyword,
			IsSpy:   state.IsSpy,
			Round:   state.Round,
		})
	}
}

func (sg *spyGame) handleLeaveRoom(c *Client) {
	if c.playerID == "" {
		c.sendError(errNotInRoom)
		return
	}

	if room, ok := sg.gm.GetRoom(c.roomCode); ok {
		if room.RemovePlayer(c.playerID) {
			sg.gm.RemoveRoom(c.roomCode)
			logf(sg.cfg, "ROOMS: Removed empty room %s", c.roomCode)
		}
	}

	sg.notify.unbind(c.playerID, c)
	c.roomCode = ""
	c.playerID = ""
}

// handleRoomEvent covers every event that requires an established room
// binding.
func (sg *spyGame) handleRoomEvent(c *Client, msg ClientMessage) {
	if c.playerID == "" {
		c.sendError(errNotInRoom)
		return
	}
	room, ok := sg.gm.GetRoom(c.roomCode)
	if !ok {
		c.sendError(errRoomNotFound)
		return
	}

	var err error
	switch msg.Type {
	case "start_game":
		topic, keyword := pickTopic()
		if err = room.Start(c.playerID, topic, keyword); err == nil {
			logf(sg.cfg, "GAME: Started %s with topic %q", room.Code(), topic)
		}
	case "submit_drawing_prompt":
		err = room.SubmitPrompt(c.playerID, strings.TrimSpace(msg.Prompt))
	case "art_received":
		err = room.MarkArtReceived(c.playerID)
	case "selected_art":
		err = room.SelectArtifact(c.playerID, msg.SelectedArtNo)
	case "submit_spy_vote":
		err = room.SubmitVote(c.playerID, msg.VotedPlayerID)
	case "spy_guess":
		err = room.ResolveGuess(c.playerID, strings.TrimSpace(msg.GuessedKeyword))
	case "change_avatar":
		err = room.ChangeAvatar(c.playerID, msg.AvatarID)
	case "get_my_art":
		var round int
		var art []string
		if round, art, err = room.LatestArt(c.playerID); err == nil {
			c.sendDirect("my_art", myArtMessage{Round: round, ImageData: art})
		}
	case "get_room_info":
		c.sendDirect("room_info", roomInfoMessage{
			roomInfo: room.Info(),
			Players:  room.PlayerViews(),
		})
	default:
		err = errUnknownEvent
	}

	if err != nil {
		c.sendError(err)
	}
}

// handleDisconnect marks the player offline and schedules the grace-period
// removal. The removal re-checks current truth: a reconnect in the meantime
// bumps the session token and the scheduled removal becomes a no-op.
func (sg *spyGame) handleDisconnect(c *Client) {
	if c.playerID == "" {
		return
	}

	sg.notify.unbind(c.playerID, c)

	room, ok := sg.gm.GetRoom(c.roomCode)
	if !ok {
		return
	}

	session, ok := room.MarkDisconnected(c.playerID)
	if !ok {
		return
	}

	code, playerID := c.roomCode, c.playerID
	go func() {
		time.Sleep(sg.cfg.disconnectGrace)
		if room.RemoveIfStillGone(playerID, session) {
			// Empty now; the reaper reclaims it, tolerating the odd
			// transient full-room disconnect.
			logf(sg.cfg, "ROOMS: Room %s emptied by disconnects", code)
		}
	}()
}

// serveUpload is the artifact backend's completion callback: multipart image
// files addressed by the room/player/round headers the generation job carried.
func (sg *spyGame) serveUpload() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")

		writeResult := func(status int, success bool, message string) {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": success,
				"message": message,
			})
		}

		roomCode := r.Header.Get("room")
		playerID := r.Header.Get("player")
		round, err := strconv.Atoi(r.Header.Get("round"))
		if err != nil || roomCode == "" || playerID == "" {
			writeResult(http.StatusBadRequest, false, "missing room/player/round headers")
			return
		}

		room, ok := sg.gm.GetRoom(roomCode)
		if !ok {
			writeResult(http.StatusNotFound, false, "room not found")
			return
		}

		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeResult(http.StatusBadRequest, false, "malformed upload")
			return
		}
		files := r.MultipartForm.File["files"]
		if len(files) == 0 {
			writeResult(http.StatusBadRequest, false, `no files; use "files" as the field name`)
			return
		}

		artifacts := make([]string, 0, len(files))
		for _, fh := range files {
			f, err := fh.Open()
			if err != nil {
				continue
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				continue
			}
			artifacts = append(artifacts, base64.StdEncoding.EncodeToString(data))
		}

		if len(artifacts) < len(files) {
			writeResult(http.StatusBadRequest, false, "some files failed to upload")
			return
		}

		if err := room.DeliverArtifacts(playerID, round, artifacts); err != nil {
			writeResult(http.StatusConflict, false, err.Error())
			return
		}

		logf(sg.cfg, "ART: Stored %d artifacts for %s round %d", len(artifacts), roomCode, round)
		writeResult(http.StatusOK, true, "all files uploaded")
	}
}

// serveRoomList lists joinable and in-progress rooms as JSON.
func (sg *spyGame) serveRoomList() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(sg.cfg, w)

		rooms := sg.gm.ActiveRooms()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total_rooms": len(rooms),
			"rooms":       rooms,
		})
	}
}

// serveQR generates a PNG QR code for joining the given room.
func (sg *spyGame) serveQR() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := normalizeRoomCode(ps.ByName("code"))
		if _, ok := sg.gm.GetRoom(code); !ok {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + sg.cfg.prefix + "/?room=" + code

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// registerSpyGame sets up the game's routes:
//   - /ws           → websocket endpoint, all game events
//   - /upload       → artifact backend completion callback
//   - /rooms        → JSON listing of active rooms
//   - /room/:code/qr → PNG QR code for sharing a room
func registerSpyGame(cfg *Config, sg *spyGame, mux *httprouter.Router) {
	mux.GET(cfg.prefix+"/ws", sg.serveWS())
	mux.POST(cfg.prefix+"/upload", sg.serveUpload())
	mux.GET(cfg.prefix+"/rooms", sg.serveRoomList())
	mux.GET(cfg.prefix+"/room/:code/qr", sg.serveQR())
}
