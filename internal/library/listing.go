// Package library lists what the media directories hold: converted videos
// ready for playback, their subtitle tracks, and raw files awaiting
// conversion. All listings are computed per request from the filesystem so
// external changes show up without a restart.
package library

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// ErrInvalidFolder is returned when a requested folder name would escape the
// videos directory.
var ErrInvalidFolder = errors.New("invalid folder name")

// PlaylistName is the HLS entry point every converted video folder carries.
const PlaylistName = "playlist.m3u8"

var rawExtensions = map[string]struct{}{
	".mkv": {},
	".mp4": {},
	".mov": {},
	".avi": {},
}

// Video is one converted title, addressable by its playlist URL.
type Video struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Path  string `json:"path"`
}

// Subtitle is one sidecar track inside a video folder.
type Subtitle struct {
	Label string `json:"label"`
	Lang  string `json:"lang"`
	Path  string `json:"path"`
}

// RawFile is one source file waiting in the unconverted directory. Path is
// the filesystem location a conversion request passes back as sourcePath.
type RawFile struct {
	Name       string  `json:"name"`
	Path       string  `json:"path"`
	SizeMB     float64 `json:"sizeMB"`
	ModifiedAt int64   `json:"modifiedAt"`
}

// Service scans the media directories. It holds a collator so listings sort
// the way a person browsing titles expects rather than by raw byte order.
type Service struct {
	videosDir string
	rawDir    string
	collator  *collate.Collator
}

func NewService(videosDir, rawDir string) *Service {
	return &Service{
		videosDir: videosDir,
		rawDir:    rawDir,
		collator:  collate.New(language.English, collate.IgnoreCase),
	}
}

// Videos lists every folder under the videos directory that contains a
// playlist. Folders mid-conversion are skipped until their playlist appears.
func (s *Service) Videos() ([]Video, error) {
	entries, err := os.ReadDir(s.videosDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Video{}, nil
		}
		return nil, err
	}
	videos := make([]Video, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		playlist := filepath.Join(s.videosDir, entry.Name(), PlaylistName)
		if info, err := os.Stat(playlist); err != nil || info.IsDir() {
			continue
		}
		videos = append(videos, Video{
			ID:    entry.Name(),
			Label: entry.Name(),
			Path:  "/videos/" + entry.Name() + "/" + PlaylistName,
		})
	}
	sort.Slice(videos, func(i, j int) bool {
		return s.collator.CompareString(videos[i].Label, videos[j].Label) < 0
	})
	return videos, nil
}

// RawDir reports where unconverted files are read from.
func (s *Service) RawDir() string {
	return s.rawDir
}

// Subtitles lists the .vtt tracks inside one video folder. An empty folder
// name is not an error, it simply has no tracks.
func (s *Service) Subtitles(folder string) ([]Subtitle, error) {
	if folder == "" {
		return []Subtitle{}, nil
	}
	if !validFolderName(folder) {
		return nil, ErrInvalidFolder
	}
	entries, err := os.ReadDir(filepath.Join(s.videosDir, folder))
	if err != nil {
		if os.IsNotExist(err) {
			return []Subtitle{}, nil
		}
		return nil, err
	}
	subtitles := make([]Subtitle, 0, 2)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(name), ".vtt") {
			continue
		}
		subtitles = append(subtitles, Subtitle{
			Label: strings.TrimSuffix(name, filepath.Ext(name)),
			Lang:  "en",
			Path:  "/videos/" + folder + "/" + name,
		})
	}
	sort.Slice(subtitles, func(i, j int) bool {
		return s.collator.CompareString(subtitles[i].Label, subtitles[j].Label) < 0
	})
	return subtitles, nil
}

// Unconverted lists the raw source files eligible for conversion, with their
// size in megabytes (one decimal) and modification time in epoch
// milliseconds.
func (s *Service) Unconverted() ([]RawFile, error) {
	entries, err := os.ReadDir(s.rawDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RawFile{}, nil
		}
		return nil, err
	}
	files := make([]RawFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := rawExtensions[strings.ToLower(filepath.Ext(entry.Name()))]; !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, RawFile{
			Name:       entry.Name(),
			Path:       filepath.Join(s.rawDir, entry.Name()),
			SizeMB:     math.Round(float64(info.Size())/(1024*1024)*10) / 10,
			ModifiedAt: info.ModTime().UnixMilli(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return s.collator.CompareString(files[i].Name, files[j].Name) < 0
	})
	return files, nil
}

// validFolderName accepts a single path element with no traversal parts.
func validFolderName(folder string) bool {
	if folder == "" || folder == "." || folder == ".." {
		return false
	}
	if strings.ContainsAny(folder, `/\`) {
		return false
	}
	return true
}
