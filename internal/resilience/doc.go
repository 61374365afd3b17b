// Package resilience groups the reliability primitives every outbound call in
// media-rescue passes through.
//
// The subpackages are:
//   - ratelimit: per-service admission control (token bucket plus sliding
//     window) with backoff driven by observed 429 and 5xx responses
//   - circuitbreaker: per-service breakers built on sony/gobreaker
//   - retry: in-process exponential backoff and the HTTPError type that
//     carries remote status codes to the download coordinator
//
// Usage Example:
//
//	limits := ratelimit.NewDefaultManager()
//	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
//
//	if !limits.Acquire(ctx, "imgur", 90*time.Second) {
//	    return errRateLimited
//	}
//	err := breakers.Execute(ctx, "imgur", func(ctx context.Context) error {
//	    return fetch(ctx, url)
//	})
package resilience
