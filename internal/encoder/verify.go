package encoder

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/grafov/m3u8"

	"vodpipe/internal/ladder"
)

// MediaInfo summarises a decoded media playlist.
type MediaInfo struct {
	Segments       []string
	TargetDuration float64
	Closed         bool
	VOD            bool
}

// InspectMedia decodes the media playlist at path.
func InspectMedia(playlistPath string) (MediaInfo, error) {
	file, err := os.Open(playlistPath)
	if err != nil {
		return MediaInfo{}, fmt.Errorf("open media playlist: %w", err)
	}
	defer file.Close()

	decoded, listType, err := m3u8.DecodeFrom(file, false)
	if err != nil {
		return MediaInfo{}, fmt.Errorf("decode media playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return MediaInfo{}, errors.New("playlist is not a media playlist")
	}
	media, ok := decoded.(*m3u8.MediaPlaylist)
	if !ok {
		return MediaInfo{}, errors.New("playlist is not a media playlist")
	}
	info := MediaInfo{
		TargetDuration: media.TargetDuration,
		Closed:         media.Closed,
		VOD:            media.MediaType == m3u8.VOD,
	}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		info.Segments = append(info.Segments, seg.URI)
	}
	return info, nil
}

// verifyStaging checks the encoder left a complete rendition behind and
// returns its segment names.
func verifyStaging(staging string, p ladder.Profile) ([]string, error) {
	info, err := InspectMedia(filepath.Join(staging, PlaylistName(p)))
	if err != nil {
		return nil, err
	}
	if !info.Closed {
		return nil, errors.New("media playlist is missing #EXT-X-ENDLIST")
	}
	if !info.VOD {
		return nil, errors.New("media playlist is not #EXT-X-PLAYLIST-TYPE:VOD")
	}
	if len(info.Segments) == 0 {
		return nil, errors.New("media playlist lists no segments")
	}
	segments := make([]string, 0, len(info.Segments))
	for _, uri := range info.Segments {
		name := path.Base(uri)
		if name != uri {
			return nil, fmt.Errorf("segment %q is not a bare file name", uri)
		}
		st, err := os.Stat(filepath.Join(staging, name))
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", name, err)
		}
		if !st.Mode().IsRegular() {
			return nil, fmt.Errorf("segment %s is not a regular file", name)
		}
		segments = append(segments, name)
	}
	return segments, nil
}
