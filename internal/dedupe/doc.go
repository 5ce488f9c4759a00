// Package dedupe suppresses duplicate inbound channel deliveries. Channels
// retry webhooks they consider unacknowledged, so the pipeline marks each
// "<account>:<channel message id>" and drops repeats within the TTL.
package dedupe
