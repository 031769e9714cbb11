// Package playlist builds the HLS master playlist that points players at an
// asset's renditions and writes it atomically next to them.
package playlist

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"vodpipe/internal/encoder"
	"vodpipe/internal/ladder"
)

// MasterFilename is the name of the top-level playlist inside an asset
// directory.
const MasterFilename = "master.m3u8"

// ErrNoRenditionsSucceeded is returned when a master playlist is requested
// for an empty success set. Callers must not publish in that case.
var ErrNoRenditionsSucceeded = errors.New("no renditions succeeded")

// Variant pairs a ladder profile with the encode that produced it. Index is
// the profile's position in the job ladder and determines playlist order.
type Variant struct {
	Index   int
	Profile ladder.Profile
	Result  encoder.Result
}

// Master is a rendered master playlist and where it was written.
type Master struct {
	Path  string
	Bytes []byte
}

// Render produces the master playlist text for the given variants. Output is
// ordered by ladder index so repeated calls over the same set are
// byte-identical regardless of completion order.
func Render(variants []Variant) ([]byte, error) {
	if len(variants) == 0 {
		return nil, ErrNoRenditionsSucceeded
	}
	ordered := make([]Variant, len(variants))
	copy(ordered, variants)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Index == ordered[j].Index {
			return ordered[i].Profile.Bitrate < ordered[j].Profile.Bitrate
		}
		return ordered[i].Index < ordered[j].Index
	})

	var buf bytes.Buffer
	buf.WriteString("#EXTM3U\n")
	for _, v := range ordered {
		buf.WriteString("#EXT-X-STREAM-INF:BANDWIDTH=")
		buf.WriteString(strconv.Itoa(v.Profile.Bitrate))
		buf.WriteString(",RESOLUTION=")
		buf.WriteString(v.Profile.Resolution())
		buf.WriteByte('\n')
		buf.WriteString(mediaReference(v))
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func mediaReference(v Variant) string {
	if v.Result.PlaylistPath != "" {
		return filepath.Base(v.Result.PlaylistPath)
	}
	return v.Profile.Label + ".m3u8"
}

// BuildMaster renders the master playlist for assetID and atomically places
// it at dir/master.m3u8. Nothing is written when variants is empty.
func BuildMaster(assetID, dir string, variants []Variant) (Master, error) {
	data, err := Render(variants)
	if err != nil {
		return Master{}, fmt.Errorf("build master playlist for %s: %w", assetID, err)
	}
	path := filepath.Join(dir, MasterFilename)
	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		return Master{}, fmt.Errorf("write master playlist for %s: %w", assetID, err)
	}
	return Master{Path: path, Bytes: data}, nil
}

// WriteFileAtomic writes data to a temporary file next to path and renames
// it into place, so readers observe either the old file or the complete new
// one.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp playlist: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp playlist: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("flush temp playlist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp playlist: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp playlist: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace playlist: %w", err)
	}
	success = true
	return nil
}
