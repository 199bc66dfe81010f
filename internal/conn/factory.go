package conn

import (
	"strings"
)

// Factory builds a Connection for a config.
type Factory func(cfg Config) Connection

// registry of per-brand factories. Populated at init; brands without an entry
// fall back to the generic prober.
var registry = map[string]Factory{}

func register(brand string, f Factory) {
	registry[strings.ToLower(brand)] = f
}

func init() {
	register(BrandDahua, func(cfg Config) Connection { return NewHTTPCGIConnection(cfg) })
	register(BrandSteren, func(cfg Config) Connection { return NewHTTPCGIConnection(cfg) })
	register(BrandTapo, func(cfg Config) Connection { return NewONVIFConnection(cfg) })
	register(BrandHikvision, func(cfg Config) Connection {
		return NewRTSPConnection(cfg, "/Streaming/Channels/101")
	})
	register(BrandONVIF, func(cfg Config) Connection { return NewONVIFConnection(cfg) })
	register(BrandGeneric, func(cfg Config) Connection { return NewGenericConnection(cfg) })
}

// ForBrand returns a connection for the camera's brand. Vendor strings are
// normalized ("Hikvision DS-2CD" matches hikvision); unknown vendors get the
// generic fallback deterministically.
func ForBrand(cfg Config) Connection {
	brand := NormalizeBrand(cfg.Brand)
	cfg.Brand = brand
	if f, ok := registry[brand]; ok {
		return f(cfg)
	}
	return NewGenericConnection(cfg)
}

// NormalizeBrand maps free-form vendor strings to a registry key.
func NormalizeBrand(vendor string) string {
	v := strings.ToLower(strings.TrimSpace(vendor))
	switch {
	case strings.Contains(v, "hikvision"):
		return BrandHikvision
	case strings.Contains(v, "dahua"):
		return BrandDahua
	case strings.Contains(v, "steren"):
		return BrandSteren
	case strings.Contains(v, "tapo") || strings.Contains(v, "tp-link") || strings.Contains(v, "tplink"):
		return BrandTapo
	case strings.Contains(v, "onvif"):
		return BrandONVIF
	case v == "":
		return BrandGeneric
	default:
		return v
	}
}
