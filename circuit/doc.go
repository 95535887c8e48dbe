/*
Package circuit implements a circuit breaker registry for the gateway's
upstream services.

The registry holds one breaker per logical service name. A breaker counts
consecutive transport failures reported by the proxy, and opens once the
failure count reaches the configured threshold. An open breaker rejects
calls until the cooldown window since the last failure has elapsed, after
which the next check moves it to half-open and lets a single trial request
through. A reported success closes the breaker and resets its counters.

State transitions happen lazily, as a side effect of checks and outcome
reports. There is no background timer, and the state is local to the
process: each gateway instance trips and recovers on its own.
*/
package circuit
