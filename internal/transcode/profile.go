package transcode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Profile describes how encoder processes are launched.
type Profile struct {
	// Binary is the encoder executable, "ffmpeg" when empty.
	Binary string
	// ExtraArgs are inserted before the output options.
	ExtraArgs []string
	// OutputRoot holds the per-stream hls/ and dash/ directories.
	OutputRoot string
}

// Plan is the fully resolved invocation for one stream.
type Plan struct {
	Binary   string
	Args     []string
	HLSDir   string
	DASHDir  string
	Playlist string
}

// ValidKey reports whether key is safe to use as a single path element.
func ValidKey(key string) bool {
	if key == "" || key == "." || key == ".." || len(key) > 128 {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// BuildPlan creates the stream's output directories and the encoder
// arguments: FLV on stdin, H.264 baseline and AAC out, packaged as a rolling
// HLS event playlist.
func BuildPlan(profile Profile, key string) (*Plan, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("stream key %q is not a valid path element", key)
	}
	root := strings.TrimSpace(profile.OutputRoot)
	if root == "" {
		return nil, fmt.Errorf("output root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	hlsDir := filepath.Join(absRoot, "hls", key)
	dashDir := filepath.Join(absRoot, "dash", key)
	for _, dir := range []string{hlsDir, dashDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	binary := strings.TrimSpace(profile.Binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	playlist := filepath.Join(hlsDir, "index.m3u8")
	args := []string{
		"-hide_banner",
		"-loglevel", "info",
		"-f", "flv",
		"-i", "pipe:0",

		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level", "3.1",
		"-pix_fmt", "yuv420p",
		"-g", "60",
		"-keyint_min", "60",
		"-sc_threshold", "0",
		"-b:v", "2500k",
		"-maxrate", "2500k",
		"-bufsize", "5000k",

		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-ac", "2",
	}
	args = append(args, profile.ExtraArgs...)
	args = append(args,
		"-f", "hls",
		"-hls_time", "4",
		"-hls_list_size", "6",
		"-hls_flags", "delete_segments+independent_segments",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", filepath.Join(hlsDir, "segment_%03d.ts"),
		"-hls_playlist_type", "event",
		"-y",
		playlist,
	)
	return &Plan{
		Binary:   binary,
		Args:     args,
		HLSDir:   hlsDir,
		DASHDir:  dashDir,
		Playlist: playlist,
	}, nil
}
