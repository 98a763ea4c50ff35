/*
Package health probes the backend's /health endpoint.

HTTPChecker issues a single GET and reports it healthy on a 2xx response
whose body, when JSON, has status "ok". Monitor runs a Checker on an
interval and flips to unhealthy only after Retries consecutive failures.
Transitions are logged and reported as the "backend" component of the
metrics health checker.
*/
package health
