package config

import (
	"fmt"
	"net"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/technosupport/trinetra/internal/events"
)

// Camera is one configured RTSP input. Immutable for a service lifetime;
// reloaded on restart.
type Camera struct {
	ID           string            `yaml:"id"`
	Type         events.CameraType `yaml:"type"`
	RTSPURL      string            `yaml:"rtsp_url"`
	TargetFPS    int               `yaml:"target_fps"`
	PriorityTier int               `yaml:"priority"` // 0 highest, 5 lowest
}

// PriorityExempt reports whether frames from this camera bypass the adaptive
// sampler drop branch. Billing and entrance feeds keep footfall monotonic and
// billing correlation intact.
func (c Camera) PriorityExempt() bool {
	return c.Type == events.CameraBilling || c.Type == events.CameraEntrance
}

type camerasFile struct {
	Cameras []Camera `yaml:"cameras"`
}

// LoadCameras reads the static per-camera config.
func LoadCameras(path string) ([]Camera, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cameras config: %w", err)
	}
	var f camerasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cameras config: %w", err)
	}
	if len(f.Cameras) == 0 {
		return nil, fmt.Errorf("cameras config %s lists no cameras", path)
	}
	seen := make(map[string]bool, len(f.Cameras))
	for i := range f.Cameras {
		c := &f.Cameras[i]
		if c.ID == "" {
			return nil, fmt.Errorf("camera %d has empty id", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate camera id %q", c.ID)
		}
		seen[c.ID] = true
		if c.TargetFPS <= 0 {
			c.TargetFPS = 15
		}
	}
	return f.Cameras, nil
}

// ValidateRTSPHost checks the camera URL host against the configured CIDR
// allowlist. An empty allowlist permits everything (lab setups); a non-empty
// one rejects anything outside it, which blocks SSRF via camera config.
func ValidateRTSPHost(rawURL string, cidrs []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid rtsp url: %w", err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if len(cidrs) == 0 {
		return nil
	}
	host := u.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return fmt.Errorf("bad allowlist entry %q: %w", c, err)
		}
		for _, ip := range ips {
			if ipnet.Contains(ip) {
				return nil
			}
		}
	}
	return fmt.Errorf("host %s not in allowed CIDR ranges", host)
}
