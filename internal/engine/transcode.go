package engine

import (
	"fmt"
	"jobexec/internal/apperrors"
	"jobexec/internal/job"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// TranscodeConfig configures the ffmpeg adapter.
type TranscodeConfig struct {
	Binary    string
	MediaRoot string // root for path inputs; empty disables them
	WorkDir   string
	OutputDir string
	Threads   int
	MemoryMB  int
	MaxFileMB int
}

// container describes one output format.
type container struct {
	muxer     string
	ext       string
	audioOnly bool
	video     []string
	audio     []string
}

var containers = map[string]container{
	"mp4":  {muxer: "mp4", ext: "mp4", video: []string{"h264", "h265", "av1"}, audio: []string{"aac", "mp3", "opus", "flac"}},
	"webm": {muxer: "webm", ext: "webm", video: []string{"vp8", "vp9", "av1"}, audio: []string{"opus", "vorbis"}},
	"mkv":  {muxer: "matroska", ext: "mkv", video: []string{"h264", "h265", "vp8", "vp9", "av1"}, audio: []string{"aac", "opus", "vorbis", "mp3", "flac", "pcm"}},
	"mov":  {muxer: "mov", ext: "mov", video: []string{"h264", "h265"}, audio: []string{"aac", "pcm"}},
	"mp3":  {muxer: "mp3", ext: "mp3", audioOnly: true, audio: []string{"mp3"}},
	"m4a":  {muxer: "ipod", ext: "m4a", audioOnly: true, audio: []string{"aac"}},
	"ogg":  {muxer: "ogg", ext: "ogg", audioOnly: true, audio: []string{"vorbis", "opus", "flac"}},
	"opus": {muxer: "opus", ext: "opus", audioOnly: true, audio: []string{"opus"}},
	"wav":  {muxer: "wav", ext: "wav", audioOnly: true, audio: []string{"pcm"}},
	"flac": {muxer: "flac", ext: "flac", audioOnly: true, audio: []string{"flac"}},
}

var videoEncoders = map[string]string{
	"h264": "libx264",
	"h265": "libx265",
	"vp8":  "libvpx",
	"vp9":  "libvpx-vp9",
	"av1":  "libaom-av1",
}

var audioEncoders = map[string]string{
	"aac":    "aac",
	"opus":   "libopus",
	"vorbis": "libvorbis",
	"mp3":    "libmp3lame",
	"flac":   "flac",
	"pcm":    "pcm_s16le",
}

// presets fill in parameters the request leaves unset.
var presets = map[string]map[string]string{
	"audio-low": {
		"format":        "webm",
		"video_codec":   "none",
		"audio_codec":   "opus",
		"audio_bitrate": "48k",
	},
	"video-360p": {
		"format":        "mp4",
		"video_codec":   "h264",
		"resolution":    "360p",
		"audio_codec":   "aac",
		"audio_bitrate": "96k",
	},
}

var transcodeParams = []string{
	"preset", "format", "codec", "video_codec", "audio_codec",
	"resolution", "bitrate", "audio_bitrate", "start", "duration",
}

var (
	sizePattern    = regexp.MustCompile(`^([1-9][0-9]{1,4})x([1-9][0-9]{1,4})$`)
	heightPattern  = regexp.MustCompile(`^([1-9][0-9]{1,4})p$`)
	bitratePattern = regexp.MustCompile(`^[1-9][0-9]{0,6}[kM]?$`)
)

// Transcode runs ffmpeg.
type Transcode struct {
	cfg TranscodeConfig
}

// NewTranscode creates a transcode adapter.
func NewTranscode(cfg TranscodeConfig) *Transcode {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	return &Transcode{cfg: cfg}
}

// Kind implements Adapter.
func (t *Transcode) Kind() job.Kind { return job.KindTranscode }

// Binary implements Adapter.
func (t *Transcode) Binary() string { return t.cfg.Binary }

// VersionArgs implements Adapter.
func (t *Transcode) VersionArgs() []string { return []string{"-hide_banner", "-version"} }

// BuildInvocation implements Adapter.
func (t *Transcode) BuildInvocation(d *job.Descriptor) (*CommandSpec, error) {
	p, err := resolveTranscodeParams(d.Params())
	if err != nil {
		return nil, err
	}

	c, ok := containers[p["format"]]
	if !ok {
		return nil, apperrors.Validation("params.format", fmt.Sprintf("unsupported format %q (supported: %s)", p["format"], strings.Join(sortedKeys(containers), ", ")))
	}

	if alias, ok := p["codec"]; ok {
		key := "video_codec"
		if c.audioOnly {
			key = "audio_codec"
		}
		if _, set := p[key]; set {
			return nil, apperrors.Validation("params.codec", fmt.Sprintf("codec conflicts with %s", key))
		}
		p[key] = alias
	}

	vcodec, acodec := p["video_codec"], p["audio_codec"]
	if err := checkCodec("video", vcodec, c.video, c.audioOnly); err != nil {
		return nil, err
	}
	if err := checkCodec("audio", acodec, c.audio, false); err != nil {
		return nil, err
	}
	if vcodec == "none" && acodec == "none" {
		return nil, apperrors.Validation("params", "output must contain at least one stream")
	}

	spec := &CommandSpec{
		Path: t.cfg.Binary,
		Dir:  filepath.Join(t.cfg.WorkDir, d.ID()),
		Env:  []string{"PATH=" + defaultPath, "LC_ALL=C"},
		Limits: Limits{
			MemoryBytes:   mb(t.cfg.MemoryMB),
			FileSizeBytes: mb(t.cfg.MaxFileMB),
		},
		OutputPath: filepath.Join(t.cfg.OutputDir, d.ID(), "output."+c.ext),
	}

	args := []string{"-hide_banner", "-nostdin", "-nostats", "-loglevel", "error", "-y"}
	if v, ok := p["start"]; ok {
		args = append(args, "-ss", v)
	}

	in := d.Input()
	switch {
	case in.Path != "":
		path, err := resolveUnder(t.cfg.MediaRoot, in.Path)
		if err != nil {
			return nil, apperrors.Validation("input.path", err.Error())
		}
		args = append(args, "-protocol_whitelist", "file", "-i", path)
	case in.URL != "":
		args = append(args, "-protocol_whitelist", "http,https,tcp,tls", "-i", in.URL)
	default:
		// ffmpeg's -nostdin only disables interaction; pipe:0 still reads the input.
		spec.Stdin = in.Inline
		args = append(args, "-protocol_whitelist", "pipe", "-i", "pipe:0")
	}

	if v, ok := p["duration"]; ok {
		args = append(args, "-t", v)
	}

	switch {
	case c.audioOnly || vcodec == "none":
		args = append(args, "-vn")
	case vcodec == "copy":
		args = append(args, "-c:v", "copy")
	case vcodec != "":
		args = append(args, "-c:v", videoEncoders[vcodec])
	}
	if !c.audioOnly && vcodec != "none" && vcodec != "copy" {
		if v, ok := p["resolution"]; ok {
			args = append(args, "-vf", scaleFilter(v))
		}
		if v, ok := p["bitrate"]; ok {
			args = append(args, "-b:v", v)
		}
	}

	switch acodec {
	case "none":
		args = append(args, "-an")
	case "copy":
		args = append(args, "-c:a", "copy")
	case "":
	default:
		args = append(args, "-c:a", audioEncoders[acodec])
		if v, ok := p["audio_bitrate"]; ok && acodec != "flac" && acodec != "pcm" {
			args = append(args, "-b:a", v)
		}
	}

	if t.cfg.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(t.cfg.Threads))
	}
	args = append(args, "-f", c.muxer, spec.OutputPath)
	spec.Args = args

	return spec, nil
}

// ParseOutcome implements Adapter.
func (t *Transcode) ParseOutcome(o Outcome) Fragment {
	if o.ExitCode != 0 {
		return Fragment{State: job.StateFailed, ErrorDetail: exitDetail(o.ExitCode, o.Stderr)}
	}
	info, err := os.Stat(o.OutputPath)
	if err != nil || info.Size() == 0 {
		return Fragment{State: job.StateFailed, ErrorDetail: "ffmpeg exited successfully but produced no output"}
	}
	return Fragment{State: job.StateSucceeded, Artifact: o.OutputPath}
}

// resolveTranscodeParams applies the preset and validates parameter syntax.
func resolveTranscodeParams(in map[string]string) (map[string]string, error) {
	for k := range in {
		if !slices.Contains(transcodeParams, k) {
			return nil, apperrors.Validation("params."+k, fmt.Sprintf("unknown transcode parameter %q", k))
		}
	}

	p := make(map[string]string, len(in)+4)
	if name, ok := in["preset"]; ok {
		preset, ok := presets[name]
		if !ok {
			return nil, apperrors.Validation("params.preset", fmt.Sprintf("unknown preset %q (supported: %s)", name, strings.Join(sortedKeys(presets), ", ")))
		}
		for k, v := range preset {
			p[k] = v
		}
		// An explicit codec alias overrides the preset's codec of the same stream.
		if _, ok := in["codec"]; ok {
			if containers[p["format"]].audioOnly {
				delete(p, "audio_codec")
			} else {
				delete(p, "video_codec")
			}
		}
	}
	for k, v := range in {
		if k == "preset" {
			continue
		}
		p[k] = strings.TrimSpace(v)
	}
	if _, ok := p["format"]; !ok {
		return nil, apperrors.Validation("params.format", "format is required")
	}

	if v, ok := p["resolution"]; ok && !sizePattern.MatchString(v) && !heightPattern.MatchString(v) {
		return nil, apperrors.Validation("params.resolution", fmt.Sprintf("resolution %q must be WIDTHxHEIGHT or HEIGHTp", v))
	}
	for _, k := range []string{"bitrate", "audio_bitrate"} {
		if v, ok := p[k]; ok && !bitratePattern.MatchString(v) {
			return nil, apperrors.Validation("params."+k, fmt.Sprintf("%s %q must be digits with optional k or M suffix", k, v))
		}
	}
	for _, k := range []string{"start", "duration"} {
		if v, ok := p[k]; ok {
			secs, err := strconv.ParseFloat(v, 64)
			if err != nil || secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
				return nil, apperrors.Validation("params."+k, fmt.Sprintf("%s must be a non-negative number of seconds", k))
			}
		}
	}
	return p, nil
}

func checkCodec(stream, codec string, allowed []string, disabled bool) error {
	field := "params." + stream + "_codec"
	if codec == "" || codec == "copy" || codec == "none" {
		if disabled && codec != "" && codec != "none" {
			return apperrors.Validation(field, fmt.Sprintf("format carries no %s stream", stream))
		}
		return nil
	}
	if disabled {
		return apperrors.Validation(field, fmt.Sprintf("format carries no %s stream", stream))
	}
	if !slices.Contains(allowed, codec) {
		return apperrors.Validation(field, fmt.Sprintf("unsupported %s codec %q for this format (supported: %s)", stream, codec, strings.Join(allowed, ", ")))
	}
	return nil
}

func scaleFilter(resolution string) string {
	if m := sizePattern.FindStringSubmatch(resolution); m != nil {
		return "scale=" + m[1] + ":" + m[2]
	}
	m := heightPattern.FindStringSubmatch(resolution)
	return "scale=-2:" + m[1]
}

func mb(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return uint64(n) << 20
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
