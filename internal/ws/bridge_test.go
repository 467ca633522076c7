package ws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chamber_monitor/internal/model"
	"chamber_monitor/internal/store"
)

func newTestBridge() (*Bridge, *Client) {
	hub := NewHub()
	client := &Client{hub: hub, send: make(chan []byte, 256)}
	hub.Register(client)
	bridge := NewBridge(hub)
	return bridge, client
}

func receiveEnvelope(t *testing.T, c *Client) Envelope {
	t.Helper()
	msg := <-c.send
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func TestBridge_OnSchedule(t *testing.T) {
	bridge, client := newTestBridge()

	bridge.OnSchedule([]string{"2", "1"}, 12)

	env := receiveEnvelope(t, client)
	assert.Equal(t, TypeChambersList, env.Type)

	var p ChambersListPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, []string{"2", "1"}, p.Chambers)
	assert.Equal(t, 12, p.Total)
}

func TestBridge_OnCycle(t *testing.T) {
	bridge, client := newTestBridge()
	other := &Client{hub: bridge.hub, send: make(chan []byte, 4)}
	bridge.hub.Register(other)

	st := store.New()
	fillCycle(st, t0, 30)
	c := testCycle("4")
	c.LoadData(context.Background(), st)
	require.True(t, c.FindLag())

	bridge.OnCycle(c, other)

	env := receiveEnvelope(t, client)
	assert.Equal(t, TypeCycleUpdated, env.Type)
	assert.Len(t, other.send, 0)

	var p CycleViewPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, c.Key(), p.Key)
	assert.Equal(t, "4", p.ChamberID)
	assert.InDelta(t, 30.0, p.LagSeconds, 1e-9)
	assert.True(t, p.HasLag)
	assert.Zero(t, p.Total)
}

func TestCycleViewFromCycle(t *testing.T) {
	st := store.New()
	fillCycle(st, t0, 30)
	c := testCycle("4")
	c.LoadData(context.Background(), st)
	c.SetManualValidity(false)

	v := CycleViewFromCycle(c, 2, 5)
	assert.Equal(t, 2, v.Index)
	assert.Equal(t, 5, v.Total)
	assert.Equal(t, "2024-06-12", v.Date)
	assert.Equal(t, "2024-06-12T09:00:00+03:00", v.Start)
	assert.Equal(t, "2024-06-12T09:11:00+03:00", v.LagSearchEnd)
	assert.Equal(t, 240.0, v.CloseOffsetSeconds)
	assert.Equal(t, 901, v.Samples)
	assert.Equal(t, 300, v.CalcSamples)
	require.NotNil(t, v.Correlation[string(model.FieldCH4)])
	assert.InDelta(t, 1.0, *v.Correlation[string(model.FieldCH4)], 1e-9)
	// CO2 is constant in the test source.
	assert.Nil(t, v.Correlation[string(model.FieldCO2)])
	require.NotNil(t, v.ManualValid)
	assert.False(t, *v.ManualValid)
	assert.True(t, v.IsValid)
	assert.False(t, v.Valid)

	_, err := json.Marshal(v)
	assert.NoError(t, err)
}

func TestCycleViewFromCycle_NoData(t *testing.T) {
	c := testCycle("9")
	c.LoadData(context.Background(), store.New())

	v := CycleViewFromCycle(c, 0, 1)
	assert.Zero(t, v.Samples)
	assert.False(t, v.IsValid)
	assert.True(t, v.NoDataInSource)
	assert.Equal(t, "no_data", v.Reason)
	assert.Nil(t, v.Scan)

	_, err := json.Marshal(v)
	assert.NoError(t, err)
}
