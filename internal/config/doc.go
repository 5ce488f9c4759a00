// Package config handles configuration loading for inbox-gateway.
//
// Configuration is a YAML file with ${VAR} environment expansion. The path
// comes from INBOX_CONFIG, then $XDG_CONFIG_HOME/inbox/gateway.yaml, then
// ~/.config/inbox/gateway.yaml.
//
//	database:
//	  path: "/var/lib/inbox/state.db"
//	log:
//	  backend: "file"      # file or pebble
//	  dir: "/var/lib/inbox/log"
//	media:
//	  dir: "/var/lib/inbox/media"
//	cloud:
//	  verify_token: "${INBOX_VERIFY_TOKEN}"
//	  app_secret: "${INBOX_APP_SECRET}"
//	session:
//	  enabled: true
//	  bridge_config: "/etc/inbox/bridge.toml"
//	flow:
//	  hop_limit: 50
//	  graph_cache_ttl: "5m"
//	auth:
//	  jwt_secret: "${INBOX_JWT_SECRET}"
//	chatkey:
//	  salt: "${INBOX_CHATKEY_SALT}"
//
// Durations use time.ParseDuration syntax. Empty fields take the Default*
// constants; Validate reports the first invalid field.
package config
