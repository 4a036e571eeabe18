// Package redis implements the broker and instance registry on Redis.
//
// Every command passes through two hooks: MetricsHook records latency and outcome, and
// CircuitBreakerHook fails fast while Redis is unhealthy so callers get an error instead of
// piling up behind dial timeouts.
package redis
