// Package notifier delivers webhook notifications about posting activity.
//
// It consumes engine events from the in-memory bus, renders them as embed
// payloads, and posts them to the resolved destination: the account's webhook
// override, the owning user's webhook, or a random pick from the system-wide
// pool.
//
// Delivery is asynchronous (queue + worker pool) and rate limited. Failures
// retry with jittered exponential backoff. Repeat notifications about the
// same credential or target within a window are suppressed, so a dead
// credential shared by many workers is reported once.
package notifier
