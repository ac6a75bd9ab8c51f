package mirror

import (
	"net/url"
	"path"
	"strings"

	"github.com/aG00Dtime/ThemeForest-Ripper/internal/job"
)

// Classifier turns raw wget output into short progress entries. It remembers
// the URL of the last "--<timestamp>--  <url>" header so that the following
// "Saving to:" line can be attributed to it.
type Classifier struct {
	lastURL string
}

// Classify returns the entry for line, or ok=false when the line is noise.
func (c *Classifier) Classify(raw string) (level job.Level, msg string, ok bool) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return "", "", false
	}

	if strings.HasPrefix(strings.ToUpper(line), "ERROR") {
		return job.LevelError, line, true
	}

	if strings.HasPrefix(line, "--") {
		parts := strings.SplitN(line, "--", 3)
		if len(parts) < 3 {
			return "", "", false
		}
		u := strings.TrimSpace(parts[2])
		if u == "" {
			return "", "", false
		}
		c.lastURL = u
		return job.LevelInfo, "Fetching " + resourceLabel(u), true
	}

	lowered := strings.ToLower(line)
	if strings.HasPrefix(lowered, "saving to:") {
		if c.lastURL == "" {
			return "", "", false
		}
		return job.LevelInfo, "Saved " + resourceLabel(c.lastURL), true
	}

	if strings.Contains(lowered, "not retrieving") {
		return job.LevelWarn, line, true
	}
	return "", "", false
}

// resourceLabel is the last path segment of u, else its host, else u itself.
func resourceLabel(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	if name := path.Base(parsed.Path); name != "." && name != "/" {
		return name
	}
	if parsed.Host != "" {
		return parsed.Host
	}
	return u
}
