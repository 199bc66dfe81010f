package publish

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// liveTTL bounds how stale a cached snapshot can be; the sampler
// refreshes well inside it while a publication is live.
const liveTTL = 30 * time.Second

// LiveSnapshot is the latest view of one publication, cached for
// cheap dashboard polling without touching Postgres.
type LiveSnapshot struct {
	CameraID      uuid.UUID `json:"camera_id"`
	PublicationID uuid.UUID `json:"publication_id"`
	PathName      string    `json:"path_name"`
	Status        string    `json:"status"`
	FPS           float64   `json:"fps"`
	BitrateKbps   float64   `json:"bitrate_kbps"`
	Frames        int64     `json:"frames"`
	QualityScore  int       `json:"quality_score"`
	ViewerCount   int       `json:"viewer_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// LiveCache stores the latest snapshot per camera in Redis.
type LiveCache struct {
	rdb *redis.Client
}

func NewLiveCache(rdb *redis.Client) *LiveCache {
	return &LiveCache{rdb: rdb}
}

func liveKey(cameraID uuid.UUID) string {
	return "relay:live:" + cameraID.String()
}

func (c *LiveCache) Set(ctx context.Context, snap LiveSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, liveKey(snap.CameraID), payload, liveTTL).Err()
}

// Get returns the cached snapshot, or (nil, nil) when none exists.
func (c *LiveCache) Get(ctx context.Context, cameraID uuid.UUID) (*LiveSnapshot, error) {
	raw, err := c.rdb.Get(ctx, liveKey(cameraID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var snap LiveSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *LiveCache) Delete(ctx context.Context, cameraID uuid.UUID) error {
	return c.rdb.Del(ctx, liveKey(cameraID)).Err()
}
