package config

import "github.com/knadh/koanf/v2"

func loadDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.listen_addr":    ":8080",
		"server.cors_origins":   []string{},
		"server.rate_limit_rps": 5.0,

		"store.driver":          "sqlite",
		"store.path":            "tunegate.db",
		"store.max_connections": 10,

		"provider.active":              "aggregator",
		"provider.call_timeout":        "30s",
		"provider.direct.base_url":     "https://api.direct-vendor.example",
		"provider.direct.model":        "v3.5",
		"provider.aggregator.base_url": "https://api.kie.ai",
		"provider.aggregator.model":    "V4_5",

		"retry.attempts":   3,
		"retry.base_delay": "500ms",
		"retry.max_delay":  "4s",

		"resolver.grace_window":       "8s",
		"resolver.empty_url_retries":  2,
		"resolver.empty_url_interval": "1500ms",
		"resolver.sse_interval":       "3s",

		"cache.backend":      "memory",
		"cache.ttl":          "3s",
		"cache.terminal_ttl": "0s",
		"cache.max_entries":  10000,
		"cache.redis_db":     0,

		"nats.subject_prefix": "tunegate.jobs",

		"logging.level":  "info",
		"logging.format": "pretty",
	}

	for key, val := range defaults {
		k.Set(key, val)
	}
}
