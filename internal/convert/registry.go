package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"watchparty/internal/observability/metrics"
)

var (
	// ErrMissingPath rejects a start request naming no source file.
	ErrMissingPath = errors.New("source path is required")
	// ErrInvalidPath rejects sources outside the unconverted directory.
	ErrInvalidPath = errors.New("source path is not inside the unconverted directory")
	// ErrNotFound marks a status poll for an unknown job ID.
	ErrNotFound = errors.New("job not found")
)

// Encoder turns one source file into an HLS folder, streaming its output a
// line at a time into the sink. It returns once the encode ends.
type Encoder interface {
	Run(ctx context.Context, sourcePath, outputDir string, sink func(line string)) error
}

// RegistryConfig configures a conversion Registry.
type RegistryConfig struct {
	RawDir    string
	VideosDir string
	Encoder   Encoder
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Registry starts conversions and answers status polls. Job records live in
// memory for the life of the process; the durable artifact is the output
// folder itself.
type Registry struct {
	rawDir    string
	videosDir string
	encoder   Encoder
	logger    *slog.Logger
	metrics   *metrics.Recorder
	clock     func() time.Time

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Registry{
		rawDir:    cfg.RawDir,
		videosDir: cfg.VideosDir,
		encoder:   cfg.Encoder,
		logger:    logger,
		metrics:   recorder,
		clock:     time.Now,
		jobs:      make(map[string]*Job),
	}
}

// StartResult identifies a freshly launched job and where its output will
// appear. OutputPlaylistPath is the playback URL a client selects once the
// job is done, not a filesystem location.
type StartResult struct {
	JobID              string `json:"jobId"`
	OutputFolderName   string `json:"outputFolderName"`
	OutputPlaylistPath string `json:"outputPlaylistPath"`
}

// Start validates the source, reserves a unique output folder and launches
// the encode in the background. The returned job is Running; its outcome is
// only observable through PollStatus.
func (r *Registry) Start(sourcePath, desiredName string) (StartResult, error) {
	source, err := r.resolveSource(sourcePath)
	if err != nil {
		return StartResult{}, err
	}

	folder, outputDir, err := r.reserveFolder(desiredName, source)
	if err != nil {
		return StartResult{}, err
	}

	job := &Job{
		id:           uuid.NewString(),
		sourcePath:   source,
		folderName:   folder,
		playlistPath: filepath.Join(outputDir, "playlist.m3u8"),
		status:       StatusRunning,
		startedAt:    r.clock(),
	}
	r.mu.Lock()
	r.jobs[job.id] = job
	r.mu.Unlock()

	r.metrics.ConvertJobStarted()
	r.logger.Info("conversion started", "job", job.id, "source", source, "folder", folder)
	go r.run(job, outputDir)

	return StartResult{
		JobID:              job.id,
		OutputFolderName:   folder,
		OutputPlaylistPath: "/videos/" + folder + "/playlist.m3u8",
	}, nil
}

func (r *Registry) run(job *Job, outputDir string) {
	err := r.encoder.Run(context.Background(), job.sourcePath, outputDir, job.appendLog)
	ended := r.clock()
	if err != nil {
		if job.finish(StatusError, err.Error(), ended) {
			r.metrics.ConvertJobFailed()
			r.logger.Error("conversion failed", "job", job.id, "error", err)
		}
		return
	}
	if job.finish(StatusDone, "", ended) {
		r.metrics.ConvertJobCompleted()
		r.logger.Info("conversion finished", "job", job.id, "folder", job.folderName)
	}
}

// resolveSource normalizes the requested path and confines it to the
// unconverted directory. Relative paths are taken relative to that
// directory.
func (r *Registry) resolveSource(sourcePath string) (string, error) {
	trimmed := strings.TrimSpace(sourcePath)
	if trimmed == "" {
		return "", ErrMissingPath
	}
	resolved := trimmed
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(r.rawDir, resolved)
	}
	resolved = filepath.Clean(resolved)
	rel, err := filepath.Rel(r.rawDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return "", ErrInvalidPath
	}
	return resolved, nil
}

// reserveFolder picks the output folder name, suffixing a counter when the
// name is already taken, and creates the directory.
func (r *Registry) reserveFolder(desiredName, source string) (string, string, error) {
	base := sanitizeName(desiredName)
	if base == "" {
		name := filepath.Base(source)
		base = sanitizeName(strings.TrimSuffix(name, filepath.Ext(name)))
	}
	if base == "" {
		base = "video"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	folder := base
	for counter := 2; ; counter++ {
		if _, err := os.Stat(filepath.Join(r.videosDir, folder)); os.IsNotExist(err) {
			break
		}
		folder = fmt.Sprintf("%s-%d", base, counter)
	}
	outputDir := filepath.Join(r.videosDir, folder)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", "", err
	}
	return folder, outputDir, nil
}

// StatusReport is the poll-visible view of one job.
type StatusReport struct {
	ID              string   `json:"id"`
	Status          Status   `json:"status"`
	Detail          string   `json:"detail,omitempty"`
	FolderName      string   `json:"folderName"`
	SegmentsWritten int      `json:"segmentsWritten"`
	StartedAt       int64    `json:"startedAt"`
	EndedAt         int64    `json:"endedAt,omitempty"`
	RecentLogLines  []string `json:"recentLogLines"`
}

// PollStatus reports a job's current state. Progress is derived from the
// playlist the encoder has written so far, so it stays accurate even if the
// process died mid-encode.
func (r *Registry) PollStatus(id string) (StatusReport, error) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return StatusReport{}, ErrNotFound
	}
	status, detail, startedAt, endedAt, recent := job.snapshot()
	report := StatusReport{
		ID:              job.id,
		Status:          status,
		Detail:          detail,
		FolderName:      job.folderName,
		SegmentsWritten: countSegments(job.playlistPath),
		StartedAt:       startedAt.UnixMilli(),
		RecentLogLines:  recent,
	}
	if !endedAt.IsZero() {
		report.EndedAt = endedAt.UnixMilli()
	}
	return report, nil
}

// countSegments counts the segment references in the playlist. A missing or
// unreadable playlist simply means no progress yet.
func countSegments(playlistPath string) int {
	data, err := os.ReadFile(playlistPath)
	if err != nil {
		return 0
	}
	return strings.Count(string(data), ".ts")
}

// sanitizeName reduces a requested folder name to a safe slug.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), ".")
}
