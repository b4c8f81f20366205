// Package player projects authoritative playback state onto a local media
// clock and decides the minimal set of corrections a follower must apply.
// It backs headless followers and the web client's sync loop alike.
package player

import (
	"sync"
	"time"

	"watchparty/internal/room"
)

const (
	// DriftTolerance is how far a local clock may deviate from the
	// projected position before a seek is issued. Deviation must exceed
	// the tolerance strictly; a follower exactly at the edge is left
	// alone.
	DriftTolerance = 1.0

	// GraceWindow is how long state events are treated as echoes of a
	// correction this follower just applied.
	GraceWindow = 50 * time.Millisecond
)

// Status describes what the local media element is currently doing.
type Status struct {
	Video    string
	Position float64
	Playing  bool
}

// Plan lists the corrections to apply, in order: switch video, seek, then
// flip the play state. A zero Plan means the follower is already in sync.
type Plan struct {
	SetVideo bool
	Video    string
	Seek     bool
	SeekTo   float64
	Play     bool
	Pause    bool
}

// InSync reports whether the plan requires no action.
func (p Plan) InSync() bool {
	return !p.SetVideo && !p.Seek && !p.Play && !p.Pause
}

// Project extrapolates where playback should be at the given instant. While
// paused the authoritative position stands as-is; while playing it advances
// with wall-clock time since the state was stamped.
func Project(state room.PlaybackState, now time.Time) float64 {
	position := state.Position
	if state.Playing {
		elapsed := now.Sub(time.UnixMilli(state.UpdatedAt)).Seconds()
		if elapsed > 0 {
			position += elapsed
		}
	}
	if position < 0 {
		return 0
	}
	return position
}

// Reconcile compares the local status against the authoritative state and
// returns the corrections needed to converge.
func Reconcile(local Status, state room.PlaybackState, now time.Time) Plan {
	var plan Plan
	if state.Video != "" && state.Video != local.Video {
		plan.SetVideo = true
		plan.Video = state.Video
	}
	projected := Project(state, now)
	deviation := local.Position - projected
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation > DriftTolerance {
		plan.Seek = true
		plan.SeekTo = projected
	}
	if state.Playing && !local.Playing {
		plan.Play = true
	}
	if !state.Playing && local.Playing {
		plan.Pause = true
	}
	return plan
}

// EchoGuard suppresses the feedback loop between applying a remote
// correction and the local events it raises. Hold it while applying a plan;
// Active reports whether a local event should be ignored as an echo.
type EchoGuard struct {
	mu    sync.Mutex
	until time.Time
}

func (g *EchoGuard) Hold(now time.Time) {
	g.mu.Lock()
	g.until = now.Add(GraceWindow)
	g.mu.Unlock()
}

func (g *EchoGuard) Active(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Before(g.until)
}
