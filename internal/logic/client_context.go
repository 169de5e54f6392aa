package logic

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/avct/uasurfer"

	"github.com/patrickwarner/chatads/internal/geoip"
	"github.com/patrickwarner/chatads/internal/models"
)

// ClientContext describes the end-user device behind a tracking request.
type ClientContext struct {
	DeviceType string
	OS         string
	Browser    string
	IsBot      bool
	Country    string
}

// ResolveClientFromUA parses a raw User-Agent string using uasurfer.
func ResolveClientFromUA(uaString string) ClientContext {
	u := uasurfer.Parse(uaString)

	var deviceType string
	switch u.DeviceType {
	case uasurfer.DeviceComputer:
		deviceType = "desktop"
	case uasurfer.DevicePhone:
		deviceType = "mobile"
	case uasurfer.DeviceTablet:
		deviceType = "tablet"
	default:
		deviceType = "other"
	}

	v := u.OS.Version
	bv := u.Browser.Version
	return ClientContext{
		DeviceType: deviceType,
		OS:         fmt.Sprintf("%s %s %d.%d.%d", u.OS.Platform.String(), u.OS.Name.String(), v.Major, v.Minor, v.Patch),
		Browser:    fmt.Sprintf("%s %d.%d.%d", u.Browser.Name.String(), bv.Major, bv.Minor, bv.Patch),
		IsBot:      u.IsBot(),
	}
}

// ResolveClient extracts device and country from an HTTP request. The
// client IP comes from the first X-Forwarded-For entry, else RemoteAddr.
func ResolveClient(r *http.Request, g *geoip.GeoIP) ClientContext {
	var c ClientContext
	if ua := r.Header.Get("User-Agent"); ua != "" {
		c = ResolveClientFromUA(ua)
	}
	if g == nil {
		return c
	}
	ipStr := r.Header.Get("X-Forwarded-For")
	if ipStr == "" {
		ipStr = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ipStr); err == nil {
			ipStr = host
		}
	} else if idx := strings.Index(ipStr, ","); idx != -1 {
		ipStr = strings.TrimSpace(ipStr[:idx])
	}
	if ip := net.ParseIP(strings.TrimSpace(ipStr)); ip != nil {
		c.Country = g.Country(ip)
	}
	return c
}

// ClickMetadata converts the context into the metadata stored with a click.
func (c ClientContext) ClickMetadata(subID, referer string) models.ClickMetadata {
	return models.ClickMetadata{
		SubID:      subID,
		Referer:    referer,
		DeviceType: c.DeviceType,
		Country:    c.Country,
	}
}
