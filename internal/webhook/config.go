package webhook

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mattjoyce/conduit/internal/config"
)

// FromGlobalConfig builds the server config from the webhooks section.
func FromGlobalConfig(wc config.WebhooksConfig) (Config, error) {
	cfg := Config{Listen: wc.Listen}

	seen := make(map[string]bool, len(wc.Endpoints))
	for _, ep := range wc.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			return Config{}, fmt.Errorf("webhook endpoint %q: path must start with /", ep.Path)
		}
		if seen[ep.Path] {
			return Config{}, fmt.Errorf("webhook endpoint %q: duplicate path", ep.Path)
		}
		seen[ep.Path] = true

		if ep.Secret == "" {
			return Config{}, fmt.Errorf("webhook endpoint %q: no secret configured", ep.Path)
		}
		limit, err := parseMaxBodySize(ep.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
		}
		header := ep.SignatureHeader
		if header == "" {
			header = DefaultSignatureHeader
		}

		cfg.Endpoints = append(cfg.Endpoints, EndpointConfig{
			Path:            ep.Path,
			Secret:          ep.Secret,
			SignatureHeader: header,
			MaxBodySize:     limit,
		})
	}
	return cfg, nil
}

var sizeUnits = []struct {
	suffix string
	factor int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// parseMaxBodySize accepts a byte count with an optional B/KB/MB/GB suffix.
// Empty means DefaultMaxBodySize.
func parseMaxBodySize(size string) (int64, error) {
	size = strings.ToUpper(strings.TrimSpace(size))
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	factor := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(size, u.suffix) {
			factor = u.factor
			size = strings.TrimSpace(strings.TrimSuffix(size, u.suffix))
			break
		}
	}

	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	if n > math.MaxInt64/factor {
		return 0, fmt.Errorf("size too large")
	}
	return n * factor, nil
}
