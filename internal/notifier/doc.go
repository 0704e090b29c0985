// Package notifier forwards dispatch outcomes to an external broker.
//
// The service subscribes to "dispatch." events on the in-process bus, turns
// each one into a JSON Message and hands it to a Sink (normally an AMQP topic
// exchange). Delivery goes through a bounded queue, a worker pool, a token
// bucket and retry with backoff. Identical messages inside the dedup window
// are suppressed, so a re-announced outcome does not reach consumers twice.
//
// The notifier is best-effort: a broker outage never blocks or fails a sweep.
package notifier
