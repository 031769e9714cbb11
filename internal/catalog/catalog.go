// Package catalog stores Asset and Rendition records. Every backend applies
// the terminal publish of a job as one transaction so Renditions never become
// visible before their Asset is Processed.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an Asset.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when no Asset exists for the requested id.
	ErrNotFound = errors.New("asset not found")
	// ErrTerminal is returned when a transition is attempted on an Asset
	// that is already Processed or Failed.
	ErrTerminal = errors.New("asset already in terminal state")
	// ErrExists is returned by InsertAsset for a duplicate id.
	ErrExists = errors.New("asset already exists")
	// ErrNoRenditions is returned by PublishProcessed for an empty set.
	ErrNoRenditions = errors.New("publish requires at least one rendition")
)

// Asset is one uploaded source video. Renditions is populated by GetAsset
// and is always consistent with Status.
type Asset struct {
	ID                 string      `json:"id"`
	Title              string      `json:"title"`
	SourcePath         string      `json:"-"`
	SourceChecksum     string      `json:"sourceChecksum,omitempty"`
	ThumbnailURL       string      `json:"thumbnailUrl,omitempty"`
	MasterPlaylistPath string      `json:"masterPlaylistPath,omitempty"`
	Status             Status      `json:"status"`
	Error              string      `json:"error,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
	Renditions         []Rendition `json:"renditions"`
}

// Rendition is one successfully encoded variant of an Asset. PlaylistPath is
// relative to the work root, e.g. "42/720p.m3u8".
type Rendition struct {
	AssetID      string    `json:"assetId"`
	Label        string    `json:"label"`
	Bitrate      int       `json:"bitrate"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	PlaylistPath string    `json:"playlistPath"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store is the catalog contract consumed by intake, the coordinator and the
// scheduler.
type Store interface {
	// InsertAsset creates a Pending asset.
	InsertAsset(ctx context.Context, asset Asset) error
	// GetAsset returns the asset and its renditions read from one snapshot.
	GetAsset(ctx context.Context, id string) (Asset, error)
	// MarkProcessing moves a Pending or Processing asset to Processing.
	MarkProcessing(ctx context.Context, id string) error
	// PublishProcessed inserts the renditions, records the master playlist
	// and marks the asset Processed in one transaction.
	PublishProcessed(ctx context.Context, id, masterPlaylistPath string, renditions []Rendition) error
	// MarkFailed marks the asset Failed without inserting renditions.
	MarkFailed(ctx context.Context, id, reason string) error
	// ListRecoverable returns Pending and Processing assets oldest first.
	ListRecoverable(ctx context.Context) ([]Asset, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func validateNewAsset(asset Asset) error {
	if strings.TrimSpace(asset.ID) == "" {
		return errors.New("asset id is required")
	}
	if strings.TrimSpace(asset.SourcePath) == "" {
		return fmt.Errorf("asset %s: source path is required", asset.ID)
	}
	if asset.Status != "" && asset.Status != StatusPending {
		return fmt.Errorf("asset %s: new assets must be pending, got %s", asset.ID, asset.Status)
	}
	return nil
}

func validatePublication(id string, renditions []Rendition) error {
	if len(renditions) == 0 {
		return ErrNoRenditions
	}
	seen := make(map[string]struct{}, len(renditions))
	for _, r := range renditions {
		if r.AssetID != "" && r.AssetID != id {
			return fmt.Errorf("rendition %s belongs to asset %s, not %s", r.Label, r.AssetID, id)
		}
		if strings.TrimSpace(r.Label) == "" {
			return errors.New("rendition label is required")
		}
		if _, dup := seen[r.Label]; dup {
			return fmt.Errorf("duplicate rendition %s", r.Label)
		}
		seen[r.Label] = struct{}{}
	}
	return nil
}

func normalizeNow(clock func() time.Time) time.Time {
	if clock == nil {
		return time.Now().UTC()
	}
	return clock().UTC()
}
