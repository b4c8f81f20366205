package convert

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"watchparty/internal/config"
)

// FFmpegEncoder runs ffmpeg with a single-rendition HLS profile. The
// playlist and segments are written relative to the job's output directory.
type FFmpegEncoder struct {
	profile config.Encode
}

func NewFFmpegEncoder(profile config.Encode) *FFmpegEncoder {
	return &FFmpegEncoder{profile: profile}
}

// Run launches the encode and blocks until it finishes, feeding every
// stdout and stderr line into the sink. Cancelling the context kills the
// process.
func (e *FFmpegEncoder) Run(ctx context.Context, sourcePath, outputDir string, sink func(line string)) error {
	cmd := exec.CommandContext(ctx, e.profile.FFmpegPath, e.buildArgs(sourcePath)...)
	cmd.Dir = outputDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("pipe stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.profile.FFmpegPath, err)
	}

	var group errgroup.Group
	group.Go(func() error { return scanLines(stdout, sink) })
	group.Go(func() error { return scanLines(stderr, sink) })
	scanErr := group.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return scanErr
}

// buildArgs produces a deterministic single-quality encode: first video and
// audio stream, H.264 with closed GOPs aligned to the segment length, AAC
// stereo, one flat playlist holding every segment.
func (e *FFmpegEncoder) buildArgs(sourcePath string) []string {
	return []string{
		"-y",
		"-i", sourcePath,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-sn",
		"-dn",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-preset", e.profile.Preset,
		"-crf", strconv.Itoa(e.profile.CRF),
		"-profile:v", "high",
		"-level", "4.0",
		"-g", "60",
		"-keyint_min", "60",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-ac", "2",
		"-ar", "48000",
		"-b:a", e.profile.AudioBitrate,
		"-f", "hls",
		"-hls_time", strconv.Itoa(e.profile.SegmentSeconds),
		"-hls_list_size", "0",
		"-hls_flags", "independent_segments",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", "segment%03d.ts",
		"playlist.m3u8",
	}
}

// scanLines feeds trimmed, non-empty lines into the sink. The buffer is
// sized for ffmpeg's occasionally very long progress lines.
func scanLines(reader io.Reader, sink func(string)) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sink(line)
	}
	return scanner.Err()
}
