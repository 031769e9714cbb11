package ladder

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// DefaultSegmentSeconds is used when a profile does not declare its own
// segment duration.
const DefaultSegmentSeconds = 10

// Profile describes one target rendition in the encoding ladder.
//
// Bitrate is expressed in bits per second, matching the BANDWIDTH attribute
// written into the master playlist.
type Profile struct {
	Label          string `toml:"label" json:"label"`
	Width          int    `toml:"width" json:"width"`
	Height         int    `toml:"height" json:"height"`
	Bitrate        int    `toml:"bitrate" json:"bitrate"`
	SegmentSeconds int    `toml:"segment_seconds" json:"segmentSeconds"`
}

// Resolution renders the profile dimensions as WIDTHxHEIGHT.
func (p Profile) Resolution() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// Ladder is the ordered set of profiles applied to every asset. Declaration
// order is ascending bitrate.
type Ladder []Profile

// Default returns the four-rung ladder used when nothing is configured.
func Default() Ladder {
	return Ladder{
		{Label: "360p", Width: 640, Height: 360, Bitrate: 800_000, SegmentSeconds: DefaultSegmentSeconds},
		{Label: "480p", Width: 854, Height: 480, Bitrate: 1_200_000, SegmentSeconds: DefaultSegmentSeconds},
		{Label: "720p", Width: 1280, Height: 720, Bitrate: 2_500_000, SegmentSeconds: DefaultSegmentSeconds},
		{Label: "1080p", Width: 1920, Height: 1080, Bitrate: 5_000_000, SegmentSeconds: DefaultSegmentSeconds},
	}
}

// Clone returns an independent copy so a job can hold the ladder it was
// enqueued with.
func (l Ladder) Clone() Ladder {
	if len(l) == 0 {
		return nil
	}
	out := make(Ladder, len(l))
	copy(out, l)
	return out
}

// Index returns the ladder position of the profile with the given label.
func (l Ladder) Index(label string) (int, bool) {
	for i, p := range l {
		if p.Label == label {
			return i, true
		}
	}
	return -1, false
}

// Validate ensures every profile is usable and the ladder is declared in
// strictly ascending bitrate order.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return errors.New("no rendition profiles configured")
	}
	seen := make(map[string]struct{}, len(l))
	for i, p := range l {
		if err := p.validate(); err != nil {
			return fmt.Errorf("profile %d: %w", i, err)
		}
		if _, dup := seen[p.Label]; dup {
			return fmt.Errorf("profile %d: duplicate label %q", i, p.Label)
		}
		seen[p.Label] = struct{}{}
		if i > 0 && p.Bitrate <= l[i-1].Bitrate {
			return fmt.Errorf("profile %d: bitrate %d must exceed %q bitrate %d", i, p.Bitrate, l[i-1].Label, l[i-1].Bitrate)
		}
	}
	return nil
}

func (p Profile) validate() error {
	if p.Label == "" {
		return errors.New("label is required")
	}
	if !safeLabel(p.Label) {
		return fmt.Errorf("label %q may only contain letters, digits, '-' and '_'", p.Label)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%s: width and height must be positive", p.Label)
	}
	if p.Bitrate <= 0 {
		return fmt.Errorf("%s: bitrate must be positive", p.Label)
	}
	if p.SegmentSeconds <= 0 {
		return fmt.Errorf("%s: segment duration must be positive", p.Label)
	}
	return nil
}

func safeLabel(label string) bool {
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Parse reads the compact environment form
//
//	label:WIDTHxHEIGHT@bitrate[:segmentSeconds],...
//
// A colon may stand in for the @. Bitrates accept a k or M suffix ("800k",
// "2.5M").
func Parse(spec string) (Ladder, error) {
	entries := strings.Split(spec, ",")
	results := make(Ladder, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		parts := strings.Split(trimmed, ":")
		if len(parts) >= 2 {
			if res, rate, ok := strings.Cut(parts[1], "@"); ok {
				parts = append([]string{parts[0], res, rate}, parts[2:]...)
			}
		}
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("invalid rendition spec %q", trimmed)
		}
		width, height, err := parseResolution(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid resolution for rendition %q: %w", trimmed, err)
		}
		bitrate, err := ParseBitrate(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid bitrate for rendition %q: %w", trimmed, err)
		}
		segment := DefaultSegmentSeconds
		if len(parts) == 4 {
			segment, err = strconv.Atoi(strings.TrimSpace(parts[3]))
			if err != nil {
				return nil, fmt.Errorf("invalid segment duration for rendition %q: %w", trimmed, err)
			}
		}
		results = append(results, Profile{
			Label:          strings.TrimSpace(parts[0]),
			Width:          width,
			Height:         height,
			Bitrate:        bitrate,
			SegmentSeconds: segment,
		})
	}
	if len(results) == 0 {
		return nil, errors.New("no rendition profiles configured")
	}
	return results, nil
}

func parseResolution(value string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(value)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("expected WIDTHxHEIGHT, got %q", value)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, err
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, err
	}
	return width, height, nil
}

// ParseBitrate converts "800k", "2.5M" or a plain integer into bits per
// second.
func ParseBitrate(value string) (int, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, errors.New("empty bitrate")
	}
	multiplier := 1.0
	switch suffix := v[len(v)-1]; suffix {
	case 'k', 'K':
		multiplier = 1_000
		v = v[:len(v)-1]
	case 'm', 'M':
		multiplier = 1_000_000
		v = v[:len(v)-1]
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return int(parsed * multiplier), nil
}

type fileLadder struct {
	Profiles []Profile `toml:"profile"`
}

// LoadFile reads a ladder from a TOML document made of [[profile]] tables.
// Profiles that omit segment_seconds receive DefaultSegmentSeconds.
func LoadFile(path string) (Ladder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ladder file: %w", err)
	}
	var doc fileLadder
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode ladder file %s: %w", path, err)
	}
	out := make(Ladder, 0, len(doc.Profiles))
	for _, p := range doc.Profiles {
		if p.SegmentSeconds == 0 {
			p.SegmentSeconds = DefaultSegmentSeconds
		}
		out = append(out, p)
	}
	return out, nil
}

// Resolve picks the ladder from a file path, an inline spec, or the default,
// in that order, and validates it.
func Resolve(path, spec string) (Ladder, error) {
	var (
		l   Ladder
		err error
	)
	switch {
	case strings.TrimSpace(path) != "":
		l, err = LoadFile(strings.TrimSpace(path))
	case strings.TrimSpace(spec) != "":
		l, err = Parse(spec)
	default:
		l = Default()
	}
	if err != nil {
		return nil, err
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}
