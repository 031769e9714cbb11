package playlist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vodpipe/internal/encoder"
	"vodpipe/internal/ladder"
)

func variantFor(t *testing.T, l ladder.Ladder, label, dir string) Variant {
	t.Helper()
	idx, ok := l.Index(label)
	if !ok {
		t.Fatalf("profile %s not in ladder", label)
	}
	return Variant{
		Index:   idx,
		Profile: l[idx],
		Result:  encoder.Result{SegmentsDir: dir, PlaylistPath: filepath.Join(dir, label+".m3u8")},
	}
}

func TestBuildMasterIsIndependentOfCompletionOrder(t *testing.T) {
	l := ladder.Default()
	dirA := t.TempDir()
	dirB := t.TempDir()

	first, err := BuildMaster("asset", dirA, []Variant{variantFor(t, l, "480p", dirA), variantFor(t, l, "720p", dirA)})
	if err != nil {
		t.Fatalf("BuildMaster: %v", err)
	}
	second, err := BuildMaster("asset", dirB, []Variant{variantFor(t, l, "720p", dirB), variantFor(t, l, "480p", dirB)})
	if err != nil {
		t.Fatalf("BuildMaster: %v", err)
	}
	if string(first.Bytes) != string(second.Bytes) {
		t.Fatalf("master playlists differ:\n%s\n---\n%s", first.Bytes, second.Bytes)
	}

	want := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1200000,RESOLUTION=854x480\n480p.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720\n720p.m3u8\n"
	if string(first.Bytes) != want {
		t.Fatalf("unexpected master playlist:\n%s", first.Bytes)
	}

	onDisk, err := os.ReadFile(filepath.Join(dirB, MasterFilename))
	if err != nil {
		t.Fatalf("read master: %v", err)
	}
	if string(onDisk) != want {
		t.Fatalf("written master differs from rendered bytes")
	}
	if second.Path != filepath.Join(dirB, MasterFilename) {
		t.Fatalf("unexpected master path %q", second.Path)
	}
}

func TestBuildMasterRejectsEmptySuccessSet(t *testing.T) {
	dir := t.TempDir()
	_, err := BuildMaster("asset", dir, nil)
	if !errors.Is(err, ErrNoRenditionsSucceeded) {
		t.Fatalf("expected ErrNoRenditionsSucceeded, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, MasterFilename)); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("master playlist should not exist, stat err = %v", statErr)
	}
}

func TestRenderFallsBackToLabelWhenPlaylistPathUnset(t *testing.T) {
	l := ladder.Default()
	data, err := Render([]Variant{{Index: 0, Profile: l[0]}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.HasSuffix(string(data), "\n360p.m3u8\n") {
		t.Fatalf("unexpected render %q", data)
	}
}

func TestWriteFileAtomicReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, MasterFilename)
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("new"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "new" {
		t.Fatalf("read back %q, %v", data, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}
