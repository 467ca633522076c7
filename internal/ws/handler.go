package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chamber_monitor/internal/cycle"
	"chamber_monitor/internal/metrics"
	"chamber_monitor/internal/push"
	"chamber_monitor/internal/schedule"
	"chamber_monitor/internal/session"
)

// actionTimeout bounds the source and sink calls of one operator action.
const actionTimeout = 2 * time.Minute

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var clientTypes = map[string]bool{
	TypeCycleNext: true, TypeCyclePrev: true, TypeCycleGoto: true,
	TypeSelectChambers: true, TypeCycleReload: true,
	TypeLagFind: true, TypeLagClear: true,
	TypeMarkValid: true, TypeMarkInvalid: true, TypeClearMark: true,
	TypeSetCloseOffset: true, TypeSetOpenOffset: true,
	TypePushOne: true, TypePushAll: true,
}

// Verdicts persists operator verdicts and pushes.
type Verdicts interface {
	Save(ctx context.Context, c *cycle.Cycle) error
	MarkPushed(ctx context.Context, c *cycle.Cycle) error
}

// Deps are the collaborators a Handler works against. Sessions defaults to a
// process-local store; Verdicts may be nil.
type Deps struct {
	Schedule *schedule.Schedule
	Source   cycle.Source
	Pusher   *push.Pusher
	Sessions session.Store
	Verdicts Verdicts
}

// Handler serves the operator protocol. Actions from all connections are
// applied one at a time.
type Handler struct {
	hub    *Hub
	bridge *Bridge
	deps   Deps

	mu    sync.Mutex
	sched *schedule.Schedule
}

func NewHandler(hub *Hub, deps Deps) *Handler {
	if deps.Sessions == nil {
		deps.Sessions = session.NewMemoryStore()
	}
	sched := deps.Schedule
	if sched == nil {
		sched = &schedule.Schedule{}
	}
	return &Handler{hub: hub, bridge: NewBridge(hub), deps: deps, sched: sched}
}

// Refresh moves the schedule to the day range of s, adding newly due cycles
// and dropping those before its first day, and announces the new chamber
// list. It returns how many cycles were added.
func (h *Handler) Refresh(s *schedule.Schedule) int {
	h.mu.Lock()
	added, dropped := h.sched.Merge(s)
	chambers, total := h.sched.Chambers(), h.sched.Len()
	h.mu.Unlock()

	metrics.CyclesScheduled.Set(float64(total))
	if dropped > 0 {
		log.Info().Int("dropped", dropped).Time("from", s.From()).Msg("cycles left the schedule range")
	}
	if added > 0 || dropped > 0 {
		h.bridge.OnSchedule(chambers, total)
	}
	return added
}

// Schedule runs fn with the schedule while holding the action lock.
func (h *Handler) Schedule(fn func(*schedule.Schedule)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.sched)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx := r.Context()
	id, resumed := h.resolveSession(ctx, r.URL.Query().Get("session"))

	client := &Client{
		hub:       h.hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		sessionID: id,
	}
	if resumed {
		client.cursor, _, _ = h.deps.Sessions.Load(ctx, id)
	}

	h.hub.Register(client)
	go client.writePump()

	h.send(client, TypeSessionInfo, SessionInfoPayload{SessionID: id, Resumed: resumed})
	h.mu.Lock()
	h.send(client, TypeChambersList, ChambersListPayload{Chambers: h.sched.Chambers(), Total: h.sched.Len()})
	h.sendView(ctx, client)
	h.mu.Unlock()

	h.readPump(ctx, client)
}

// resolveSession returns the requested id when a cursor is stored for it, or
// a fresh id.
func (h *Handler) resolveSession(ctx context.Context, requested string) (string, bool) {
	if _, err := uuid.Parse(requested); err == nil {
		if _, ok, err := h.deps.Sessions.Load(ctx, requested); err == nil && ok {
			return requested, true
		} else if err != nil {
			log.Warn().Err(err).Str("session", requested).Msg("loading session cursor")
		}
	}
	return uuid.NewString(), false
}

func (h *Handler) readPump(ctx context.Context, c *Client) {
	defer func() {
		h.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("session", c.sessionID).Msg("websocket read error")
			}
			return
		}

		h.handleMessage(ctx, c, msg)
	}
}

func (h *Handler) handleMessage(parent context.Context, c *Client, msg []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		log.Warn().Err(err).Msg("invalid message")
		h.sendError(c, "", "invalid message")
		return
	}

	ctx, cancel := context.WithTimeout(parent, actionTimeout)
	defer cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	label := env.Type
	if !clientTypes[label] {
		label = "unknown"
	}
	metrics.OperatorActions.WithLabelValues(label).Inc()

	switch env.Type {
	case TypeCycleNext, TypeCyclePrev:
		var p StepPayload
		if !h.decode(c, env, &p) {
			return
		}
		steps := p.Steps
		if steps <= 0 {
			steps = 1
		}
		if env.Type == TypeCyclePrev {
			steps = -steps
		}
		n := len(c.cursor.Select(h.sched))
		c.cursor = c.cursor.Clamp(n).Step(n, steps)
		h.saveCursor(ctx, c)
		h.sendView(ctx, c)

	case TypeCycleGoto:
		var p GotoPayload
		if !h.decode(c, env, &p) {
			return
		}
		c.cursor.Index = p.Index
		h.saveCursor(ctx, c)
		h.sendView(ctx, c)

	case TypeSelectChambers:
		var p SelectChambersPayload
		if !h.decode(c, env, &p) {
			return
		}
		c.cursor = c.cursor.WithChambers(p.Chambers...)
		c.cursor.SkipReviewed = p.SkipReviewed
		h.saveCursor(ctx, c)
		h.sendView(ctx, c)

	case TypeCycleReload:
		h.withCurrent(ctx, c, env.Type, func(cur *cycle.Cycle) bool {
			cur.Invalidate()
			cur.LoadData(ctx, h.deps.Source)
			return false
		})

	case TypeLagFind:
		h.withCurrent(ctx, c, env.Type, func(cur *cycle.Cycle) bool {
			if !cur.FindLag() {
				h.sendError(c, env.Type, "no lag found: "+string(cur.Reason()))
			}
			return true
		})

	case TypeLagClear:
		h.withCurrent(ctx, c, env.Type, func(cur *cycle.Cycle) bool {
			cur.ClearLag()
			return true
		})

	case TypeMarkValid, TypeMarkInvalid:
		valid := env.Type == TypeMarkValid
		h.withCurrent(ctx, c, env.Type, func(cur *cycle.Cycle) bool {
			cur.SetManualValidity(valid)
			return true
		})

	case TypeClearMark:
		h.withCurrent(ctx, c, env.Type, func(cur *cycle.Cycle) bool {
			cur.ClearManualValidity()
			return true
		})

	case TypeSetCloseOffset, TypeSetOpenOffset:
		var p OffsetPayload
		if !h.decode(c, env, &p) {
			return
		}
		h.withCurrent(ctx, c, env.Type, func(cur *cycle.Cycle) bool {
			span := cur.End().Sub(cur.Start())
			if !(math.Abs(p.Seconds) <= span.Seconds()) {
				h.sendError(c, env.Type, fmt.Sprintf("offset %gs outside ±%gs", p.Seconds, span.Seconds()))
				return false
			}
			d := time.Duration(p.Seconds * float64(time.Second))
			if env.Type == TypeSetCloseOffset {
				cur.SetCloseOffset(d)
			} else {
				cur.SetOpenOffset(d)
			}
			return true
		})

	case TypePushOne:
		h.withCurrent(ctx, c, env.Type, func(cur *cycle.Cycle) bool {
			rep := push.Report{}
			if err := h.deps.Pusher.PushOne(ctx, cur); err != nil {
				if errors.Is(err, push.ErrNoLag) {
					rep.Skipped++
				}
				rep.Failures = append(rep.Failures, push.Failure{Key: cur.Key(), Chamber: cur.ChamberID, Start: cur.Start(), Err: err})
			} else {
				rep.Pushed++
				rep.Written = append(rep.Written, cur)
			}
			h.recordPushes(ctx, rep)
			h.send(c, TypePushResult, PushResultFromReport(rep))
			return false
		})

	case TypePushAll:
		sel := c.cursor.Select(h.sched)
		rep, err := h.deps.Pusher.PushAll(ctx, h.deps.Source, sel)
		if err != nil {
			h.sendError(c, env.Type, err.Error())
			return
		}
		h.recordPushes(ctx, rep)
		h.send(c, TypePushResult, PushResultFromReport(rep))
		h.sendView(ctx, c)

	default:
		log.Warn().Str("type", env.Type).Msg("unknown message type")
		h.sendError(c, env.Type, "unknown message type")
	}
}

// withCurrent loads the cycle under the client's cursor and applies fn. When
// fn reports a change the verdict is saved and the other operators are told.
// The client always receives the updated view.
func (h *Handler) withCurrent(ctx context.Context, c *Client, request string, fn func(*cycle.Cycle) bool) {
	cur, cursor, _ := c.cursor.Current(h.sched)
	c.cursor = cursor
	if cur == nil {
		h.sendError(c, request, "no cycle selected")
		return
	}
	cur.LoadData(ctx, h.deps.Source)
	if fn(cur) {
		h.saveVerdict(ctx, cur)
		h.bridge.OnCycle(cur, c)
	}
	h.sendView(ctx, c)
}

// sendView sends the cycle under the client's cursor, loading its data first.
// An empty selection is sent as a view without payload.
func (h *Handler) sendView(ctx context.Context, c *Client) {
	cur, cursor, total := c.cursor.Current(h.sched)
	c.cursor = cursor
	if cur == nil {
		h.send(c, TypeCycleView, nil)
		return
	}
	cur.LoadData(ctx, h.deps.Source)
	h.send(c, TypeCycleView, CycleViewFromCycle(cur, cursor.Index, total))
}

func (h *Handler) recordPushes(ctx context.Context, rep push.Report) {
	if h.deps.Verdicts == nil {
		return
	}
	for _, w := range rep.Written {
		if err := h.deps.Verdicts.MarkPushed(ctx, w); err != nil {
			log.Warn().Err(err).Str("cycle", w.Key()).Msg("recording push")
		}
	}
}

func (h *Handler) saveVerdict(ctx context.Context, cur *cycle.Cycle) {
	if h.deps.Verdicts == nil {
		return
	}
	if err := h.deps.Verdicts.Save(ctx, cur); err != nil {
		log.Warn().Err(err).Str("cycle", cur.Key()).Msg("saving verdict")
	}
}

func (h *Handler) saveCursor(ctx context.Context, c *Client) {
	if err := h.deps.Sessions.Save(ctx, c.sessionID, c.cursor); err != nil {
		log.Warn().Err(err).Str("session", c.sessionID).Msg("saving cursor")
	}
}

// decode unmarshals an optional payload; an absent payload leaves p zero.
func (h *Handler) decode(c *Client, env Envelope, p any) bool {
	if len(env.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Payload, p); err != nil {
		log.Warn().Err(err).Str("type", env.Type).Msg("invalid payload")
		h.sendError(c, env.Type, "invalid payload")
		return false
	}
	return true
}

func (h *Handler) send(c *Client, msgType string, payload any) {
	msg, err := NewEnvelope(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("marshaling message")
		return
	}
	h.hub.Send(c, msg)
}

func (h *Handler) sendError(c *Client, request, message string) {
	h.send(c, TypeError, ErrorPayload{Request: request, Message: message})
}
