package installer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/loykin/chromevisor/internal/paths"
)

// Manifest is the subset of the Chrome for Testing "last known good
// versions" document the installer reads.
type Manifest struct {
	Timestamp string             `json:"timestamp"`
	Channels  map[string]Channel `json:"channels"`
}

type Channel struct {
	Channel   string                `json:"channel"`
	Version   string                `json:"version"`
	Revision  string                `json:"revision"`
	Downloads map[string][]Download `json:"downloads"`
}

type Download struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
}

// ParseManifest decodes and validates a manifest. It requires
// channels.Stable.downloads.chrome with an entry for every platform key.
func ParseManifest(b []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest is not valid JSON: %w", err)
	}
	if m.Channels == nil {
		return Manifest{}, fmt.Errorf("manifest has no \"channels\" object")
	}
	stable, ok := m.Channels["Stable"]
	if !ok {
		return Manifest{}, fmt.Errorf("manifest has no \"channels.Stable\" entry (have %s)", keys(m.Channels))
	}
	chrome, ok := stable.Downloads["chrome"]
	if !ok || len(chrome) == 0 {
		return Manifest{}, fmt.Errorf("manifest has no \"channels.Stable.downloads.chrome\" list")
	}
	have := map[string]bool{}
	for _, d := range chrome {
		if d.Platform != "" && d.URL != "" {
			have[d.Platform] = true
		}
	}
	var missing []string
	for _, k := range paths.PlatformKeys {
		if !have[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return Manifest{}, fmt.Errorf("manifest is missing chrome downloads for platform(s) %s", strings.Join(missing, ", "))
	}
	return m, nil
}

// URLFor returns the stable chrome download URL for platformKey.
func (m Manifest) URLFor(platformKey string) (string, bool) {
	for _, d := range m.Channels["Stable"].Downloads["chrome"] {
		if d.Platform == platformKey {
			return d.URL, true
		}
	}
	return "", false
}

// StableVersion is the version string of the stable channel.
func (m Manifest) StableVersion() string { return m.Channels["Stable"].Version }

func keys[V any](m map[string]V) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
