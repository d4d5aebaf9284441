package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart Stage = "SESSION_START"
	StageSessionPause Stage = "SESSION_PAUSE"
	StageSessionDone  Stage = "SESSION_DONE"
	StageSessionFail  Stage = "SESSION_FAIL"
	StageFetchDone    Stage = "FETCH_DONE"
	StageFetchError   Stage = "FETCH_ERROR"
	StageCheckpoint   Stage = "CHECKPOINT"
)

// lifecycle reports whether the stage is a session transition or checkpoint.
func (s Stage) lifecycle() bool {
	switch s {
	case StageSessionStart, StageSessionPause, StageSessionDone, StageSessionFail, StageCheckpoint:
		return true
	default:
		return false
	}
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of crawl progress.
type Event struct {
	// SessionID identifies the crawl session.
	SessionID string
	// WorkerID is set on fetch events.
	WorkerID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Site scopes fetch events to a host label.
	Site string
	// URL should not contain credentials.
	URL         string
	Bytes       int64
	StatusClass StatusClass
	// Class is the failure classification of a FETCH_ERROR.
	Class string
	// Dur captures fetch latency, or session runtime on terminal stages.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageSessionPause, StageSessionDone, StageSessionFail, StageCheckpoint:
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageFetchError:
		if e.Site == "" {
			return errors.New("fetch error requires site")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
