package ws

import (
	"encoding/json"
	"math"
	"time"

	"chamber_monitor/internal/cycle"
	"chamber_monitor/internal/model"
	"chamber_monitor/internal/push"
)

// Envelope wraps all WebSocket messages with a type discriminator.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message type constants
const (
	// Client -> Server
	TypeCycleNext      = "cycle:next"
	TypeCyclePrev      = "cycle:prev"
	TypeCycleGoto      = "cycle:goto"
	TypeSelectChambers = "cycle:select_chambers"
	TypeCycleReload    = "cycle:reload"
	TypeLagFind        = "lag:find"
	TypeLagClear       = "lag:clear"
	TypeMarkValid      = "cycle:mark_valid"
	TypeMarkInvalid    = "cycle:mark_invalid"
	TypeClearMark      = "cycle:clear_mark"
	TypeSetCloseOffset = "cycle:set_close_offset"
	TypeSetOpenOffset  = "cycle:set_open_offset"
	TypePushOne        = "push:one"
	TypePushAll        = "push:all"

	// Server -> Client
	TypeSessionInfo  = "session:info"
	TypeChambersList = "chambers:list"
	TypeCycleView    = "cycle:view"
	TypeCycleUpdated = "cycle:updated"
	TypePushResult   = "push:result"
	TypeError        = "error"
)

// Client -> Server payloads

type StepPayload struct {
	Steps int `json:"steps"`
}

type GotoPayload struct {
	Index int `json:"index"`
}

type SelectChambersPayload struct {
	Chambers     []string `json:"chambers"`
	SkipReviewed bool     `json:"skip_reviewed"`
}

type OffsetPayload struct {
	Seconds float64 `json:"seconds"`
}

// Server -> Client payloads

type SessionInfoPayload struct {
	SessionID string `json:"session_id"`
	Resumed   bool   `json:"resumed"`
}

type ChambersListPayload struct {
	Chambers []string `json:"chambers"`
	Total    int      `json:"total"`
}

type LagStatusInfo struct {
	LeftEdgeRetries   int  `json:"left_edge_retries"`
	LeftEdgeExhausted bool `json:"left_edge_exhausted"`
	RightEdgeRetries  int  `json:"right_edge_retries"`
	Saturated         bool `json:"saturated"`
}

type ScanInfo struct {
	R             float64 `json:"r"`
	OffsetSeconds float64 `json:"offset_seconds"`
}

type CycleViewPayload struct {
	Key       string `json:"key"`
	ChamberID string `json:"chamber_id"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
	Date      string `json:"date"`

	Start        string `json:"start"`
	Close        string `json:"close"`
	Open         string `json:"open"`
	LagSearchEnd string `json:"lag_search_end"`
	End          string `json:"end"`

	CloseOffsetSeconds float64 `json:"close_offset_seconds"`
	OpenOffsetSeconds  float64 `json:"open_offset_seconds"`

	LagSeconds float64       `json:"lag_seconds"`
	HasLag     bool          `json:"has_lag"`
	LagStatus  LagStatusInfo `json:"lag_status"`

	Samples     int                 `json:"samples"`
	CalcSamples int                 `json:"calc_samples"`
	Correlation map[string]*float64 `json:"correlation"`
	Scan        map[string]ScanInfo `json:"scan,omitempty"`

	IsValid             bool   `json:"is_valid"`
	Reason              string `json:"reason,omitempty"`
	ManualValid         *bool  `json:"manual_valid"`
	Valid               bool   `json:"valid"`
	HasDiagnosticErrors bool   `json:"has_diagnostic_errors"`
	NoDataInSource      bool   `json:"no_data_in_source"`
}

type PushFailureInfo struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

type PushResultPayload struct {
	Pushed   int               `json:"pushed"`
	Skipped  int               `json:"skipped"`
	Failures []PushFailureInfo `json:"failures,omitempty"`
}

type ErrorPayload struct {
	Request string `json:"request,omitempty"`
	Message string `json:"message"`
}

func NewEnvelope(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// CycleViewFromCycle renders c for display; index and total place it in the
// client's selection. Times are in the cycle's display zone.
func CycleViewFromCycle(c *cycle.Cycle, index, total int) CycleViewPayload {
	ts := func(t time.Time) string { return c.Local(t).Format(time.RFC3339) }
	st := c.LagStatus()

	v := CycleViewPayload{
		Key:                 c.Key(),
		ChamberID:           c.ChamberID,
		Index:               index,
		Total:               total,
		Date:                c.Local(c.Start()).Format("2006-01-02"),
		Start:               ts(c.Start()),
		Close:               ts(c.Close()),
		Open:                ts(c.Open()),
		LagSearchEnd:        ts(c.LagSearchEnd()),
		End:                 ts(c.End()),
		CloseOffsetSeconds:  c.CloseOffset().Seconds(),
		OpenOffsetSeconds:   c.OpenOffset().Seconds(),
		LagSeconds:          c.LagSeconds(),
		HasLag:              c.HasLag(),
		Samples:             c.Data().Len(),
		CalcSamples:         c.CalcData().Len(),
		Correlation:         make(map[string]*float64, len(model.Gases)),
		IsValid:             c.IsValid(),
		Reason:              string(c.Reason()),
		Valid:               c.Valid(),
		HasDiagnosticErrors: c.HasDiagnosticErrors(),
		NoDataInSource:      c.NoDataInSource(),
		LagStatus: LagStatusInfo{
			LeftEdgeRetries:   st.LeftEdgeRetries,
			LeftEdgeExhausted: st.LeftEdgeExhausted,
			RightEdgeRetries:  st.RightEdgeRetries,
			Saturated:         st.Saturated,
		},
	}
	if mv, set := c.ManualValid(); set {
		v.ManualValid = &mv
	}
	for _, gas := range model.Gases {
		if r, ok := c.Correlation(gas); ok {
			r := r
			v.Correlation[string(gas)] = &r
		} else {
			v.Correlation[string(gas)] = nil
		}
		if s := c.Scan(gas); s.OK && !math.IsNaN(s.R) {
			if v.Scan == nil {
				v.Scan = make(map[string]ScanInfo)
			}
			v.Scan[string(gas)] = ScanInfo{R: s.R, OffsetSeconds: s.Offset.Seconds()}
		}
	}
	return v
}

func PushResultFromReport(r push.Report) PushResultPayload {
	out := PushResultPayload{Pushed: r.Pushed, Skipped: r.Skipped}
	for _, f := range r.Failures {
		out.Failures = append(out.Failures, PushFailureInfo{Key: f.Key, Error: f.Err.Error()})
	}
	return out
}
