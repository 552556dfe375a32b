// Package logging builds the bridge's log/slog logger from the logging
// config section: JSON or text, a minimum level, stdout or stderr.
//
// Every entry carries service and version. Job payloads may hold whole
// flash images, and the bridge handles an API key and device tokens, so
// attributes named api_key, token, secret, password, payload or data are
// written as [REDACTED]. Log sizes instead:
//
//	log.Info("job submitted", "job_id", id, "payload_bytes", len(payload))
package logging
