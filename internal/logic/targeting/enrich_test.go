package targeting

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/adtrack/internal/geoip"
	"github.com/patrickwarner/adtrack/internal/models"
)

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		name   string
		ua     string
		device string
		bot    bool
	}{
		{"desktop chrome", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/100.0.4896.75 Safari/537.36", "desktop", false},
		{"iphone", "Mozilla/5.0 (iPhone; CPU iPhone OS 15_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.0 Mobile/15E148 Safari/605.1.15", "mobile", false},
		{"googlebot", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := ParseUserAgent(tt.ua)
			if tt.device != "" {
				assert.Equal(t, tt.device, info.DeviceType)
			}
			assert.Equal(t, tt.bot, info.IsBot)
		})
	}
}

func TestEnrichMetadata(t *testing.T) {
	in := map[string]string{"page": "/courses", MetaDeviceType: "kiosk"}
	out := EnrichMetadata(in, "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/100.0 Safari/537.36")

	assert.Equal(t, "/courses", out["page"])
	assert.Equal(t, "kiosk", out[MetaDeviceType], "caller supplied keys win")
	assert.Equal(t, "false", out[MetaIsBot])
	assert.NotContains(t, in, MetaIsBot, "input map is not modified")

	assert.Empty(t, EnrichMetadata(nil, ""))
}

func TestFillLocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geo.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"net":"203.0.113.0/24","country":"US"}]`), 0o600))
	g, err := geoip.Init(path)
	require.NoError(t, err)

	p := &models.AudienceProfile{Role: "student"}
	FillLocation(p, g, "203.0.113.50")
	assert.Equal(t, "US", p.Location)

	p = &models.AudienceProfile{Location: "DE"}
	FillLocation(p, g, "203.0.113.50")
	assert.Equal(t, "DE", p.Location, "caller location is kept")

	FillLocation(nil, g, "203.0.113.50")
}
