// Swarmlab live experiment coordination server
//
// Participants move a token around a 2D arena while a scalar signal field,
// shaped by one global optimum and several local optima, scores every
// position. An admin connection controls the run: start/end, perception
// range, optimum placement, perturbation, export.
//
// Features:
// - WebSocket per client at /ws, JSON messages with a "type" discriminator
// - One live session per process; the admin names the experiment on join
// - Admin-only commands are silently dropped for non-admin senders
// - Server-side signal values are authoritative; client values are advisory
// - player-update broadcasts rate-limited to one per 200ms per participant
// - Movement persistence rate-limited independently to one per 100ms
// - Experiment auto-ends after its configured duration unless ended manually
// - Movement logs persisted to SQLite and exportable as JSON or CSV

package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	// Minimum interval between player-update broadcasts per participant.
	broadcastInterval = 200 * time.Millisecond
	// Minimum interval between persisted movement rows per participant.
	// Deliberately decoupled from the broadcast gate.
	persistInterval = 100 * time.Millisecond
)

type Client struct {
	conn   *websocket.Conn
	send   chan any
	connID string
}

type clientEvent struct {
	client *Client
	msg    ClientMessage
}

// Hub owns the session and the participant registry. Inbound events are
// drained from channels by run() and every handler takes h.mu, so all
// state mutation is serialized: read, validate, mutate, broadcast, then
// the next event.
type Hub struct {
	cfg   *Config
	store *Store

	mu       sync.RWMutex
	session  *Session
	registry *Registry
	clients  map[*Client]bool

	// Rate-limit trackers keyed by participant ID, cleaned on disconnect.
	lastBroadcast map[int64]time.Time
	lastPersist   map[int64]time.Time

	// generation invalidates stale auto-end timers: it advances on every
	// start and end, and a firing timer must present the generation it
	// was scheduled under.
	generation uint64
	endTimer   *time.Timer

	register chan *Client
	unreg    chan *Client
	events   chan clientEvent

	now func() time.Time
}

func newHub(cfg *Config, store *Store) *Hub {
	return &Hub{
		cfg:           cfg,
		store:         store,
		session:       newSession(cfg.duration),
		registry:      newRegistry(),
		clients:       make(map[*Client]bool),
		lastBroadcast: make(map[int64]time.Time),
		lastPersist:   make(map[int64]time.Time),
		register:      make(chan *Client),
		unreg:         make(chan *Client),
		events:        make(chan clientEvent),
		now:           time.Now,
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unreg:
			h.handleDisconnect(c)

		case ev := <-h.events:
			h.dispatch(ev.client, ev.msg)
		}
	}
}

func (h *Hub) dispatch(c *Client, msg ClientMessage) {
	switch msg.Type {
	case "join-experiment":
		h.handleJoin(c, msg)
	case "request-participants":
		h.handleRequestParticipants(c)
	case "request-global-optimal":
		h.handleRequestGlobalOptimal(c)
	case "player-move":
		h.handlePlayerMove(c, msg)
	case "set-perception-range", "start-experiment", "end-experiment",
		"perturb-local-optima", "update-global-optimal",
		"randomize-global-optimal", "export-data", "clear-experiment-data":
		h.handleAdminCommand(c, msg)
	default:
		// ignore unknown types
	}
}

// sendToLocked queues msg for a single client, evicting it if its send
// buffer is full. Assumes h.mu is held.
func (h *Hub) sendToLocked(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcastLocked queues msg for every connected client. Assumes h.mu is
// held.
func (h *Hub) broadcastLocked(msg any) {
	for client := range h.clients {
		h.sendToLocked(client, msg)
	}
}

func (h *Hub) participantsLocked() []ParticipantInfo {
	list := h.registry.list()
	out := make([]ParticipantInfo, 0, len(list))
	for _, p := range list {
		out = append(out, ParticipantInfo{
			ParticipantID: p.ID,
			Name:          p.Name,
			Position:      p.Position,
			SignalValue:   p.SignalValue,
		})
	}
	return out
}

func (h *Hub) snapshotLocked(participantID int64, isAdmin bool, position *Point) JoinedMessage {
	s := h.session

	var started int64
	if !s.startedAt.IsZero() {
		started = s.startedAt.UnixMilli()
	}

	return JoinedMessage{
		Type:            "joined-experiment",
		ParticipantID:   participantID,
		ExperimentID:    s.experimentID,
		IsAdmin:         isAdmin,
		PerceptionRange: s.perceptionRange,
		IsRunning:       s.running,
		StartedAt:       started,
		Duration:        s.duration.Milliseconds(),
		GlobalOptimal:   s.globalOptimum,
		LocalOptima:     s.localOptima,
		Position:        position,
	}
}

// handleJoin processes "join-experiment" for both admins and participants.
//
// An admin join idempotently ensures the experiment row exists (creating
// it with the session defaults, or loading the stored perception range
// and optima into the session) and answers with the full snapshot plus
// the roster. The newest admin join always takes over the admin slot.
//
// A participant join fails with an error event if the experiment does not
// exist; otherwise the participant gets a random arena position and
// everyone learns about the new arrival.
func (h *Hub) handleJoin(c *Client, msg ClientMessage) {
	if msg.ExperimentID == "" {
		h.mu.Lock()
		h.sendToLocked(c, ErrorMessage{Type: "error", Message: "missing experiment id"})
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if msg.IsAdmin {
		h.session.adminConn = c.connID
		h.session.experimentID = msg.ExperimentID

		rec, created, err := h.store.EnsureExperiment(msg.ExperimentID, ExperimentRecord{
			PerceptionRange: h.session.perceptionRange,
			GlobalOptimum:   h.session.globalOptimum,
			LocalOptima:     h.session.localOptima,
		})
		switch {
		case err != nil:
			logf(h.cfg, "HUB: ensure experiment %q failed: %v", msg.ExperimentID, err)
		case created:
			logf(h.cfg, "HUB: Created experiment %q", msg.ExperimentID)
		default:
			h.session.perceptionRange = rec.PerceptionRange
			h.session.globalOptimum = rec.GlobalOptimum
			h.session.localOptima = rec.LocalOptima
			logf(h.cfg, "HUB: Loaded experiment %q", msg.ExperimentID)
		}

		h.sendToLocked(c, h.snapshotLocked(0, true, nil))
		h.sendToLocked(c, ParticipantsListMessage{
			Type:         "participants-list",
			Participants: h.participantsLocked(),
		})
		return
	}

	exists, err := h.store.ExperimentExists(msg.ExperimentID)
	if err != nil {
		logf(h.cfg, "HUB: experiment lookup failed: %v", err)
		h.sendToLocked(c, ErrorMessage{Type: "error", Message: "experiment lookup failed"})
		return
	}
	if !exists {
		h.sendToLocked(c, ErrorMessage{Type: "error", Message: "experiment does not exist"})
		return
	}

	id, err := h.store.CreateParticipant(msg.ExperimentID, msg.ParticipantName)
	if err != nil {
		logf(h.cfg, "HUB: create participant failed: %v", err)
		h.sendToLocked(c, ErrorMessage{Type: "error", Message: "unable to join experiment"})
		return
	}

	p := &Participant{
		ID:       id,
		Name:     msg.ParticipantName,
		Position: randomArenaPoint(),
	}
	h.registry.join(c.connID, p)
	logf(h.cfg, "HUB: Participant %q joined %q as %d", p.Name, msg.ExperimentID, p.ID)

	pos := p.Position
	h.sendToLocked(c, h.snapshotLocked(p.ID, false, &pos))

	h.broadcastLocked(ParticipantJoinedMessage{
		Type:          "participant-joined",
		ParticipantID: p.ID,
		Name:          p.Name,
		Position:      p.Position,
		SignalValue:   p.SignalValue,
	})
	h.broadcastLocked(ParticipantCountMessage{
		Type:  "participant-count",
		Count: h.registry.count(),
	})
}

func (h *Hub) handleRequestParticipants(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sendToLocked(c, ParticipantsListMessage{
		Type:         "participants-list",
		Participants: h.participantsLocked(),
	})
}

func (h *Hub) handleRequestGlobalOptimal(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sendToLocked(c, GlobalOptimalMessage{
		Type:          "global-optimal-update",
		GlobalOptimal: h.session.globalOptimum,
	})
}

// handlePlayerMove applies a position update. State is mutated
// immediately; the broadcast and the movement record are independently
// rate-limited, so a burst of moves loses intermediate frames and
// samples but never the final position.
func (h *Hub) handlePlayerMove(c *Client, msg ClientMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.registry.get(c.connID)
	if p == nil {
		logf(h.cfg, "HUB: player-move from unknown connection %s", c.connID)
		return
	}
	if !h.session.running {
		logf(h.cfg, "HUB: player-move from %d while experiment not running", p.ID)
		return
	}

	p.Position = Point{X: msg.X, Y: msg.Y}
	// The client-reported signal value is advisory only.
	p.SignalValue = fieldValue(p.Position, h.session.globalOptimum, h.session.localOptima)

	now := h.now()

	if now.Sub(h.lastPersist[p.ID]) >= persistInterval {
		h.lastPersist[p.ID] = now
		if err := h.store.InsertMovement(p.ID, p.Position, p.SignalValue, now); err != nil {
			logf(h.cfg, "HUB: movement insert for %d failed: %v", p.ID, err)
		}
	}

	if now.Sub(h.lastBroadcast[p.ID]) >= broadcastInterval {
		h.lastBroadcast[p.ID] = now
		h.broadcastLocked(PlayerUpdateMessage{
			Type:          "player-update",
			ParticipantID: p.ID,
			Name:          p.Name,
			Position:      p.Position,
			SignalValue:   p.SignalValue,
		})
	}
}

// handleAdminCommand processes admin-only events. Commands from any
// connection other than the current admin are dropped without a reply,
// so non-admins cannot probe for the session's existence.
func (h *Hub) handleAdminCommand(c *Client, msg ClientMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.session.adminConn == "" || c.connID != h.session.adminConn {
		logf(h.cfg, "HUB: non-admin %s attempted %q", c.connID, msg.Type)
		return
	}

	switch msg.Type {
	case "set-perception-range":
		if err := h.session.setPerceptionRange(msg.Range); err != nil {
			logf(h.cfg, "HUB: %v", err)
			return
		}
		if err := h.store.UpdatePerceptionRange(h.session.experimentID, msg.Range); err != nil {
			logf(h.cfg, "HUB: persist perception range failed: %v", err)
		}
		h.broadcastLocked(PerceptionRangeMessage{
			Type:  "perception-range-update",
			Range: msg.Range,
		})

	case "start-experiment":
		h.startExperimentLocked(msg)

	case "end-experiment":
		h.endExperimentLocked()

	case "perturb-local-optima":
		h.session.perturbLocalOptima(h.cfg.perturbationMax)
		if err := h.store.ReplaceLocalOptima(h.session.experimentID, h.session.localOptima); err != nil {
			logf(h.cfg, "HUB: persist local optima failed: %v", err)
		}
		h.broadcastLocked(LocalOptimaMessage{
			Type:        "local-optima-update",
			LocalOptima: h.session.localOptima,
		})
		h.refreshSignalsLocked()

	case "update-global-optimal":
		if err := h.session.setGlobalOptimum(Point{X: msg.X, Y: msg.Y}); err != nil {
			logf(h.cfg, "HUB: %v", err)
			return
		}
		h.globalOptimumChangedLocked()

	case "randomize-global-optimal":
		h.session.randomizeGlobalOptimum()
		h.globalOptimumChangedLocked()

	case "export-data":
		h.exportDataLocked(c)

	case "clear-experiment-data":
		h.clearDataLocked(c)
	}
}

func (h *Hub) startExperimentLocked(msg ClientMessage) {
	if !h.session.start(h.now()) {
		// A duplicate start must have zero side effects, including any
		// globalOptimal override it carries.
		logf(h.cfg, "HUB: start-experiment ignored, already running")
		return
	}

	if msg.GlobalOptimal != nil {
		h.session.globalOptimum = *msg.GlobalOptimal
		if err := h.store.UpdateGlobalOptimum(h.session.experimentID, h.session.globalOptimum); err != nil {
			logf(h.cfg, "HUB: persist global optimum failed: %v", err)
		}
	}

	logf(h.cfg, "HUB: Experiment %q started with %d participants",
		h.session.experimentID, h.registry.count())

	h.broadcastLocked(ExperimentStartMessage{
		Type:            "experiment-start",
		ExperimentID:    h.session.experimentID,
		StartedAt:       h.session.startedAt.UnixMilli(),
		Duration:        h.session.duration.Milliseconds(),
		PerceptionRange: h.session.perceptionRange,
		GlobalOptimal:   h.session.globalOptimum,
	})

	h.refreshSignalsLocked()

	h.generation++
	gen := h.generation
	h.endTimer = time.AfterFunc(h.session.duration, func() {
		h.autoEnd(gen)
	})
}

// endExperimentLocked ends the run and broadcasts experiment-end exactly
// once. Safe to call from both the manual handler and the auto-end timer;
// the loser of the race hits the session's idempotent end() and stops.
func (h *Hub) endExperimentLocked() {
	if !h.session.end(h.now()) {
		return
	}

	// Invalidate any still-pending auto-end timer.
	h.generation++
	if h.endTimer != nil {
		h.endTimer.Stop()
		h.endTimer = nil
	}

	logf(h.cfg, "HUB: Experiment %q ended", h.session.experimentID)

	h.broadcastLocked(ExperimentEndMessage{
		Type:         "experiment-end",
		ExperimentID: h.session.experimentID,
		EndedAt:      h.session.endedAt.UnixMilli(),
	})
}

// autoEnd is the deferred end-of-experiment task scheduled by start. The
// generation check makes a stale timer firing a verified no-op.
func (h *Hub) autoEnd(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if gen != h.generation || !h.session.running {
		return
	}
	h.endExperimentLocked()
}

// globalOptimumChangedLocked persists and broadcasts a new global
// optimum, then refreshes every participant's signal value.
func (h *Hub) globalOptimumChangedLocked() {
	if err := h.store.UpdateGlobalOptimum(h.session.experimentID, h.session.globalOptimum); err != nil {
		logf(h.cfg, "HUB: persist global optimum failed: %v", err)
	}
	h.broadcastLocked(GlobalOptimalMessage{
		Type:          "global-optimal-update",
		GlobalOptimal: h.session.globalOptimum,
	})
	h.refreshSignalsLocked()
}

// refreshSignalsLocked recomputes every participant's signal value
// against the current optima and broadcasts a player-update for each,
// resetting their broadcast gates so the fresh values go out immediately.
func (h *Hub) refreshSignalsLocked() {
	now := h.now()
	for _, p := range h.registry.list() {
		p.SignalValue = fieldValue(p.Position, h.session.globalOptimum, h.session.localOptima)
		h.lastBroadcast[p.ID] = now
		h.broadcastLocked(PlayerUpdateMessage{
			Type:          "player-update",
			ParticipantID: p.ID,
			Name:          p.Name,
			Position:      p.Position,
			SignalValue:   p.SignalValue,
		})
	}
}

func (h *Hub) exportDataLocked(c *Client) {
	rows, err := h.store.MovementRows(h.session.experimentID)
	if err != nil {
		logf(h.cfg, "HUB: export failed: %v", err)
		h.sendToLocked(c, ErrorMessage{Type: "error", Message: "export failed"})
		return
	}

	logf(h.cfg, "HUB: Exported %d movement rows for %q", len(rows), h.session.experimentID)

	h.sendToLocked(c, ExperimentDataMessage{
		Type:            "experiment-data",
		ExperimentID:    h.session.experimentID,
		PerceptionRange: h.session.perceptionRange,
		GlobalOptimal:   h.session.globalOptimum,
		LocalOptima:     h.session.localOptima,
		Movements:       rows,
	})
}

func (h *Hub) clearDataLocked(c *Client) {
	// Keep rows for participants that are still connected so their
	// subsequent movements keep a valid foreign key.
	keep := make([]int64, 0, h.registry.count())
	for _, p := range h.registry.list() {
		keep = append(keep, p.ID)
	}

	if err := h.store.ClearExperiment(h.session.experimentID, keep); err != nil {
		logf(h.cfg, "HUB: clear experiment data failed: %v", err)
		h.sendToLocked(c, ErrorMessage{Type: "error", Message: "clear failed"})
		return
	}

	logf(h.cfg, "HUB: Cleared data for %q", h.session.experimentID)

	h.sendToLocked(c, ExperimentDataClearedMessage{
		Type:         "experiment-data-cleared",
		ExperimentID: h.session.experimentID,
	})
}

func (h *Hub) handleDisconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	if c.connID == h.session.adminConn {
		h.session.adminConn = ""
		logf(h.cfg, "HUB: Admin disconnected")
		return
	}

	p := h.registry.leave(c.connID)
	if p == nil {
		return
	}

	delete(h.lastBroadcast, p.ID)
	delete(h.lastPersist, p.ID)

	logf(h.cfg, "HUB: Participant %q (%d) left", p.Name, p.ID)

	h.broadcastLocked(ParticipantLeftMessage{
		Type:          "participant-left",
		ParticipantID: p.ID,
	})
	h.broadcastLocked(ParticipantCountMessage{
		Type:  "participant-count",
		Count: h.registry.count(),
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades the connection and attaches it to the hub.
func serveWS(cfg *Config, h *Hub) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "HUB: upgrade error: %v", err)
			return
		}

		client := &Client{
			conn:   conn,
			send:   make(chan any, 8),
			connID: uuid.NewString(),
		}

		h.register <- client

		go client.writePump()
		client.readPump(h)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		h.events <- clientEvent{
			client: c,
			msg:    msg,
		}
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
