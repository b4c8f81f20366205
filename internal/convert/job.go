// Package convert supervises ffmpeg conversions of raw source files into
// HLS folders. Jobs run detached from the request that started them and are
// observed by polling; a job that dies takes its record to Error instead of
// taking the server down.
package convert

import (
	"sync"
	"time"
)

// Status is a job's lifecycle phase. Jobs are Running from the moment they
// are registered and reach exactly one of the terminal states.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

const (
	// logLimit bounds the retained encoder output per job.
	logLimit = 250
	// recentLogLines is how much of the tail a status poll reports.
	recentLogLines = 20
)

// Job is the mutable record of one conversion. All access goes through its
// mutex; the encoder goroutines and status polls share it.
type Job struct {
	mu sync.Mutex

	id           string
	sourcePath   string
	folderName   string
	playlistPath string
	status       Status
	detail       string
	startedAt    time.Time
	endedAt      time.Time
	log          []string
}

// appendLog retains the line, evicting the oldest once the cap is reached.
func (j *Job) appendLog(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.log = append(j.log, line)
	if excess := len(j.log) - logLimit; excess > 0 {
		j.log = append(j.log[:0], j.log[excess:]...)
	}
}

// finish moves the job to a terminal status. The first transition wins;
// later calls are ignored so racing exit paths cannot flip the outcome.
func (j *Job) finish(status Status, detail string, at time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusRunning {
		return false
	}
	j.status = status
	j.detail = detail
	j.endedAt = at
	return true
}

// snapshot copies the poll-visible fields under the lock.
func (j *Job) snapshot() (Status, string, time.Time, time.Time, []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	tail := j.log
	if len(tail) > recentLogLines {
		tail = tail[len(tail)-recentLogLines:]
	}
	recent := make([]string, len(tail))
	copy(recent, tail)
	return j.status, j.detail, j.startedAt, j.endedAt, recent
}
