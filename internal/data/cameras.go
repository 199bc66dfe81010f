package data

import (
	"context"
	"database/sql"
	"net"
	"time"

	"github.com/google/uuid"
)

// Camera is the registry record the relay core consumes. Camera CRUD is owned
// by the management plane; this model is read-only here.
type Camera struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Brand     string     `json:"brand"`
	IPAddress net.IP     `json:"ip_address"`
	RTSPPort  int        `json:"rtsp_port"`
	ONVIFPort int        `json:"onvif_port"`
	HTTPPort  int        `json:"http_port"`
	IsEnabled bool       `json:"is_enabled"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type CameraModel struct {
	DB DBTX
}

func (m CameraModel) GetByID(ctx context.Context, id uuid.UUID) (*Camera, error) {
	query := `
		SELECT id, name, brand, ip_address, rtsp_port, onvif_port, http_port,
		       is_enabled, created_at, updated_at, deleted_at
		FROM cameras
		WHERE id = $1 AND deleted_at IS NULL`

	var c Camera
	var ipStr string

	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.Brand, &ipStr, &c.RTSPPort, &c.ONVIFPort, &c.HTTPPort,
		&c.IsEnabled, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	c.IPAddress = net.ParseIP(ipStr)
	return &c, nil
}

// ListEnabled returns every camera eligible for publishing.
func (m CameraModel) ListEnabled(ctx context.Context) ([]*Camera, error) {
	query := `
		SELECT id, name, brand, ip_address, rtsp_port, onvif_port, http_port,
		       is_enabled, created_at, updated_at, deleted_at
		FROM cameras
		WHERE is_enabled = TRUE AND deleted_at IS NULL
		ORDER BY name`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Camera
	for rows.Next() {
		var c Camera
		var ipStr string
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Brand, &ipStr, &c.RTSPPort, &c.ONVIFPort, &c.HTTPPort,
			&c.IsEnabled, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
		); err != nil {
			return nil, err
		}
		c.IPAddress = net.ParseIP(ipStr)
		out = append(out, &c)
	}
	return out, rows.Err()
}
