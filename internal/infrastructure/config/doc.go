// Package config loads the bridge configuration: a YAML file (optional
// when the default path is missing) overlaid by environment variables,
// then defaults, then Validate.
//
// Secrets belong in the environment rather than the file: API_KEY (or
// RT809F_API_KEY), RT809F_DEVICE_TOKEN_SECRET, RT809F_MQTT_PASSWORD and
// RT809F_INFLUXDB_TOKEN. Setting RT809F_MQTT_HOST turns on cross-replica
// coordination; RT809F_REPLICA_ID names the replica, defaulting to the
// hostname.
package config
