package framesource

import (
	"fmt"
	"net/url"
	"strings"
)

// SnapshotSuffixes are the conventional still-image paths tried after the
// bare URL, in order.
var SnapshotSuffixes = []string{
	"/shot.jpg",
	"/photo.jpg",
	"/snapshot.jpg",
	"/frame.jpg",
	"/live.jpg",
}

// Normalize turns a bare host or URL into candidate base URLs. A bare host
// yields both http and https. A non-HTTP scheme (rtsp, rtmp, ...) is returned
// as-is with streamOnly set: it can only be opened by the decoder.
func Normalize(descriptor string) (bases []string, streamOnly bool, err error) {
	raw := strings.TrimSpace(descriptor)
	if strings.Contains(raw, "://") {
		// Host is checked before trailing slashes go, so "http://" stays invalid.
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, false, fmt.Errorf("%w: %q", ErrInvalidSource, descriptor)
		}
		s := strings.TrimRight(raw, "/")
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			return []string{s}, false, nil
		default:
			return []string{s}, true, nil
		}
	}

	s := strings.TrimRight(raw, "/")
	if s == "" {
		return nil, false, fmt.Errorf("%w: empty", ErrInvalidSource)
	}
	if strings.Contains(s, ":/") {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidSource, descriptor)
	}
	if u, err := url.Parse("http://" + s); err != nil || u.Host == "" {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidSource, descriptor)
	}
	return []string{"http://" + s, "https://" + s}, false, nil
}

// Candidates lists snapshot URLs: every bare base first, then each base with
// every suffix. Bases that already name an image file get no suffixes.
func Candidates(bases []string) []string {
	out := make([]string, 0, len(bases)*(1+len(SnapshotSuffixes)))
	out = append(out, bases...)
	for _, base := range bases {
		if hasImageExtension(base) {
			continue
		}
		for _, suffix := range SnapshotSuffixes {
			out = append(out, base+suffix)
		}
	}
	return out
}

func hasImageExtension(raw string) bool {
	path := raw
	if u, err := url.Parse(raw); err == nil {
		path = u.Path
	}
	path = strings.ToLower(path)
	return strings.HasSuffix(path, ".jpg") ||
		strings.HasSuffix(path, ".jpeg") ||
		strings.HasSuffix(path, ".png")
}
