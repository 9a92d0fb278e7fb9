// Package pool manages reusable bidirectional connections to RPC endpoints.
//
// A Manager owns one endpoint pool per endpoint key and enforces two
// concurrency bounds: a per-endpoint maximum and a global maximum across
// all endpoints. Acquisition prefers idle reuse, then bounded creation,
// then bounded waiting. Background sweeps evict idle connections past
// their idle timeout or maximum lifetime and probe idle connections with
// the configured validator.
//
// Every connection issues at most one lease at a time; the lease is the
// caller's exclusive checkout token and releasing it returns the
// connection to the idle set.
//
// # Basic Usage
//
//	cfg := pool.DefaultConfig()
//	cfg.EndpointMax = 4
//
//	mgr, err := pool.NewManager(cfg)
//	if err != nil {
//	    return err
//	}
//	defer mgr.Close()
//
//	ep, _ := endpoint.New(endpoint.KindTCP, "10.0.0.1", 9090)
//	conn, err := mgr.Acquire(ctx, ep)
//	if err != nil {
//	    return err
//	}
//	lease, err := conn.AcquireLease(ctx)
//	if err != nil {
//	    mgr.Release(conn, true)
//	    return err
//	}
//	defer lease.Release()
//
//	// Use lease.Channel() ...
//
// # Health Checking
//
// A custom validator replaces the built-in channel liveness check:
//
//	cfg.Validator = func(ctx context.Context, c *pool.Conn) bool {
//	    return myPing(ctx, c) == nil
//	}
//
// # Metrics
//
// With cfg.Metrics enabled, pool utilization is exported through the
// metrics package in Prometheus exposition format under the connpool_
// prefix.
package pool
