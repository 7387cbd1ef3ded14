package targeting

import (
	"fmt"
	"strconv"

	"github.com/avct/uasurfer"

	"github.com/patrickwarner/adtrack/internal/geoip"
	"github.com/patrickwarner/adtrack/internal/models"
)

// Metadata keys written by EnrichMetadata.
const (
	MetaDeviceType = "device_type"
	MetaOS         = "os"
	MetaBrowser    = "browser"
	MetaIsBot      = "is_bot"
)

// ClientInfo is what the user agent string tells us about the viewer.
type ClientInfo struct {
	DeviceType string
	OS         string
	Browser    string
	IsBot      bool
}

// ParseUserAgent classifies a raw User-Agent string.
func ParseUserAgent(ua string) ClientInfo {
	u := uasurfer.Parse(ua)

	var deviceType string
	switch u.DeviceType {
	case uasurfer.DeviceComputer:
		deviceType = "desktop"
	case uasurfer.DevicePhone:
		deviceType = "mobile"
	case uasurfer.DeviceTablet:
		deviceType = "tablet"
	case uasurfer.DeviceTV:
		deviceType = "tv"
	default:
		deviceType = "other"
	}

	return ClientInfo{
		DeviceType: deviceType,
		OS:         fmt.Sprintf("%s %d", u.OS.Name.StringTrimPrefix(), u.OS.Version.Major),
		Browser:    fmt.Sprintf("%s %d", u.Browser.Name.StringTrimPrefix(), u.Browser.Version.Major),
		IsBot:      u.IsBot(),
	}
}

// EnrichMetadata returns meta extended with client details parsed from ua.
// Keys already supplied by the caller are kept. The input map is not modified.
func EnrichMetadata(meta map[string]string, ua string) map[string]string {
	out := make(map[string]string, len(meta)+4)
	if ua != "" {
		info := ParseUserAgent(ua)
		out[MetaDeviceType] = info.DeviceType
		out[MetaOS] = info.OS
		out[MetaBrowser] = info.Browser
		out[MetaIsBot] = strconv.FormatBool(info.IsBot)
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// FillLocation sets profile.Location from the client IP when the caller did
// not supply one. A nil profile is left nil so anonymous requests stay
// anonymous.
func FillLocation(profile *models.AudienceProfile, g *geoip.GeoIP, ip string) {
	if profile == nil || profile.Location != "" || g == nil {
		return
	}
	profile.Location = g.Location(ip)
}
