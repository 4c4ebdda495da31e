package main

// Messages coming from clients
type ClientMessage struct {
	Type            string  `json:"type"`                      // see the switch in Hub.dispatch
	ExperimentID    string  `json:"experimentId,omitempty"`    // join-experiment / start-experiment / end-experiment / export-data / clear-experiment-data
	ParticipantName string  `json:"participantName,omitempty"` // join-experiment
	IsAdmin         bool    `json:"isAdmin,omitempty"`         // join-experiment
	X               float64 `json:"x"`                         // player-move / update-global-optimal
	Y               float64 `json:"y"`                         // player-move / update-global-optimal
	SignalValue     float64 `json:"signalValue,omitempty"`     // player-move (advisory; server recomputes)
	Range           float64 `json:"range,omitempty"`           // set-perception-range
	GlobalOptimal   *Point  `json:"globalOptimal,omitempty"`   // start-experiment (optional override)
}

// JoinedMessage acknowledges a successful join with the full session
// snapshot. ParticipantID is zero for the admin, who is never a
// participant.
type JoinedMessage struct {
	Type            string         `json:"type"` // "joined-experiment"
	ParticipantID   int64          `json:"participantId"`
	ExperimentID    string         `json:"experimentId"`
	IsAdmin         bool           `json:"isAdmin"`
	PerceptionRange float64        `json:"perceptionRange"`
	IsRunning       bool           `json:"isRunning"`
	StartedAt       int64          `json:"startTime"` // ms since epoch, 0 if not started
	Duration        int64          `json:"duration"`  // ms
	GlobalOptimal   Point          `json:"globalOptimal"`
	LocalOptima     []LocalOptimum `json:"localOptima"`
	Position        *Point         `json:"position,omitempty"` // participant's assigned position
}

type ParticipantInfo struct {
	ParticipantID int64   `json:"participantId"`
	Name          string  `json:"name"`
	Position      Point   `json:"position"`
	SignalValue   float64 `json:"signalValue"`
}

type ParticipantsListMessage struct {
	Type         string            `json:"type"` // "participants-list"
	Participants []ParticipantInfo `json:"participants"`
}

type ParticipantJoinedMessage struct {
	Type          string  `json:"type"` // "participant-joined"
	ParticipantID int64   `json:"participantId"`
	Name          string  `json:"name"`
	Position      Point   `json:"position"`
	SignalValue   float64 `json:"signalValue"`
}

type PlayerUpdateMessage struct {
	Type          string  `json:"type"` // "player-update"
	ParticipantID int64   `json:"participantId"`
	Name          string  `json:"name"`
	Position      Point   `json:"position"`
	SignalValue   float64 `json:"signalValue"`
}

type ParticipantLeftMessage struct {
	Type          string `json:"type"` // "participant-left"
	ParticipantID int64  `json:"participantId"`
}

type ParticipantCountMessage struct {
	Type  string `json:"type"` // "participant-count"
	Count int    `json:"count"`
}

type PerceptionRangeMessage struct {
	Type  string  `json:"type"` // "perception-range-update"
	Range float64 `json:"range"`
}

type ExperimentStartMessage struct {
	Type            string  `json:"type"` // "experiment-start"
	ExperimentID    string  `json:"experimentId"`
	StartedAt       int64   `json:"startTime"` // ms since epoch
	Duration        int64   `json:"duration"`  // ms
	PerceptionRange float64 `json:"perceptionRange"`
	GlobalOptimal   Point   `json:"globalOptimal"`
}

type ExperimentEndMessage struct {
	Type         string `json:"type"` // "experiment-end"
	ExperimentID string `json:"experimentId"`
	EndedAt      int64  `json:"endTime"` // ms since epoch
}

type GlobalOptimalMessage struct {
	Type          string `json:"type"` // "global-optimal-update"
	GlobalOptimal Point  `json:"globalOptimal"`
}

type LocalOptimaMessage struct {
	Type        string         `json:"type"` // "local-optima-update"
	LocalOptima []LocalOptimum `json:"localOptima"`
}

// ExperimentDataMessage carries the export payload to the admin.
type ExperimentDataMessage struct {
	Type            string         `json:"type"` // "experiment-data"
	ExperimentID    string         `json:"experimentId"`
	PerceptionRange float64        `json:"perceptionRange"`
	GlobalOptimal   Point          `json:"globalOptimal"`
	LocalOptima     []LocalOptimum `json:"localOptima"`
	Movements       []MovementRow  `json:"movements"`
}

type ExperimentDataClearedMessage struct {
	Type         string `json:"type"` // "experiment-data-cleared"
	ExperimentID string `json:"experimentId"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}
