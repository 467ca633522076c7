package ws

import (
	"github.com/rs/zerolog/log"

	"chamber_monitor/internal/cycle"
)

// Bridge broadcasts schedule and cycle changes to every connected operator.
type Bridge struct {
	hub *Hub
}

func NewBridge(hub *Hub) *Bridge {
	return &Bridge{hub: hub}
}

// OnSchedule announces the chamber list after the schedule changed.
func (b *Bridge) OnSchedule(chambers []string, total int) {
	msg, err := NewEnvelope(TypeChambersList, ChambersListPayload{Chambers: chambers, Total: total})
	if err != nil {
		log.Error().Err(err).Msg("marshaling chambers list")
		return
	}
	b.hub.Broadcast(msg)
}

// OnCycle tells the other operators that a cycle's state changed. Index and
// total are left zero because they depend on each operator's selection.
func (b *Bridge) OnCycle(c *cycle.Cycle, from *Client) {
	msg, err := NewEnvelope(TypeCycleUpdated, CycleViewFromCycle(c, 0, 0))
	if err != nil {
		log.Error().Err(err).Str("cycle", c.Key()).Msg("marshaling cycle update")
		return
	}
	b.hub.BroadcastExcept(msg, from)
}
