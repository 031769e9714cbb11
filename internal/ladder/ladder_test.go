package ladder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultLadderIsValid(t *testing.T) {
	l := Default()
	if err := l.Validate(); err != nil {
		t.Fatalf("default ladder invalid: %v", err)
	}
	if len(l) != 4 {
		t.Fatalf("expected 4 profiles, got %d", len(l))
	}
	if l[0].Label != "360p" || l[3].Label != "1080p" {
		t.Fatalf("unexpected ordering: %+v", l)
	}
	if got := l[2].Resolution(); got != "1280x720" {
		t.Fatalf("unexpected resolution %q", got)
	}
}

func TestValidateRejectsMalformedProfiles(t *testing.T) {
	cases := []struct {
		name    string
		ladder  Ladder
		message string
	}{
		{name: "empty", ladder: nil, message: "no rendition profiles"},
		{name: "zero width", ladder: Ladder{{Label: "a", Width: 0, Height: 1, Bitrate: 1, SegmentSeconds: 1}}, message: "width and height"},
		{name: "zero bitrate", ladder: Ladder{{Label: "a", Width: 1, Height: 1, Bitrate: 0, SegmentSeconds: 1}}, message: "bitrate must be positive"},
		{name: "zero segment", ladder: Ladder{{Label: "a", Width: 1, Height: 1, Bitrate: 1}}, message: "segment duration"},
		{name: "unsafe label", ladder: Ladder{{Label: "../x", Width: 1, Height: 1, Bitrate: 1, SegmentSeconds: 1}}, message: "may only contain"},
		{
			name: "duplicate label",
			ladder: Ladder{
				{Label: "a", Width: 1, Height: 1, Bitrate: 1, SegmentSeconds: 1},
				{Label: "a", Width: 1, Height: 1, Bitrate: 2, SegmentSeconds: 1},
			},
			message: "duplicate label",
		},
		{
			name: "descending bitrate",
			ladder: Ladder{
				{Label: "hi", Width: 1, Height: 1, Bitrate: 5, SegmentSeconds: 1},
				{Label: "lo", Width: 1, Height: 1, Bitrate: 2, SegmentSeconds: 1},
			},
			message: "must exceed",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ladder.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.message) {
				t.Fatalf("expected %q in %q", tc.message, err.Error())
			}
		})
	}
}

func TestParse(t *testing.T) {
	l, err := Parse("240p:426x240:400k:6, 720p:1280x720:2.5M")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(l) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(l))
	}
	if l[0].Bitrate != 400_000 || l[0].SegmentSeconds != 6 {
		t.Fatalf("unexpected first profile %+v", l[0])
	}
	if l[1].Bitrate != 2_500_000 || l[1].SegmentSeconds != DefaultSegmentSeconds || l[1].Width != 1280 {
		t.Fatalf("unexpected second profile %+v", l[1])
	}

	if _, err := Parse("720p:1280:100"); err == nil {
		t.Fatalf("expected resolution error")
	}
	if _, err := Parse("720p:1280x720:fast"); err == nil {
		t.Fatalf("expected bitrate error")
	}
	if _, err := Parse(" , "); err == nil {
		t.Fatalf("expected empty ladder error")
	}
}

func TestParseAtForm(t *testing.T) {
	l, err := Resolve("", "360p:640x360@800k,720p:1280x720@2500k")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(l) != 2 || l[0].Label != "360p" || l[0].Bitrate != 800_000 || l[1].Height != 720 || l[1].Bitrate != 2_500_000 {
		t.Fatalf("unexpected ladder %+v", l)
	}

	l, err = Parse("240p:426x240@400k:6")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if l[0].Width != 426 || l[0].Bitrate != 400_000 || l[0].SegmentSeconds != 6 {
		t.Fatalf("unexpected profile %+v", l[0])
	}

	if _, err := Parse("720p:1280x720@"); err == nil {
		t.Fatalf("expected bitrate error")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ladder.toml")
	doc := `
[[profile]]
label = "480p"
width = 854
height = 480
bitrate = 1200000

[[profile]]
label = "1080p"
width = 1920
height = 1080
bitrate = 5000000
segment_seconds = 4
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write ladder: %v", err)
	}
	l, err := Resolve(path, "ignored:1x1:1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(l) != 2 || l[0].SegmentSeconds != DefaultSegmentSeconds || l[1].SegmentSeconds != 4 {
		t.Fatalf("unexpected ladder %+v", l)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	l := Default()
	c := l.Clone()
	c[0].Label = "changed"
	if l[0].Label != "360p" {
		t.Fatalf("clone aliases original")
	}
	if idx, ok := l.Index("720p"); !ok || idx != 2 {
		t.Fatalf("Index(720p) = %d, %v", idx, ok)
	}
}
