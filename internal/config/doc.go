// Package config handles configuration loading for tutor-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TUTOR_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/tutor/gateway.yaml
//  3. ~/.config/tutor/gateway.yaml
//
// Files ending in .toml are read as TOML; everything else as YAML.
//
// # Environment
//
// A .env file in the working directory (or beside the config file) is
// loaded first. Values can then reference variables:
//
//	auth:
//	  jwt_secret: "${SUPABASE_JWT_SECRET}"
//	generation:
//	  api_key: "${GEMINI_API_KEY}"
//
// When jwt_secret or api_key are left empty, SUPABASE_JWT_SECRET and
// GEMINI_API_KEY are used directly.
//
// # Durations
//
// Duration values use Go's time.ParseDuration syntax:
//
//	generation:
//	  timeout: "60s"
//	uploads:
//	  rate_limit: 2
//	  rate_window: "5m"
//
// # Sections
//
//	server:     http_addr, read_header_timeout, write_timeout, shutdown_timeout
//	tailscale:  enabled, hostname, auth_key, state_dir, ephemeral, https, funnel
//	database:   driver (sqlite | sqlite3), path
//	auth:       jwt_secret, audience, allow_short_secret
//	generation: api_key, model, timeout, persist_timeout, requests_per_second,
//	            burst, max_image_bytes, allowed_media_types
//	storage:    endpoint, region, access_key_id, secret_access_key, bucket,
//	            public_base_url
//	uploads:    rate_limit, rate_window
//	cors:       allowed_origins
//	logging:    level, format
//
// The loaded Config is treated as immutable and passed explicitly to the
// constructors that need it.
package config
