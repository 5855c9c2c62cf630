/*
Package service implements the application layer of the database load balancer.

It sits between the domain types and the outer surfaces (the IPC server and
the admin API) and owns every goroutine that touches a replica.

Key Components:

Factory:
The single place where a LoadBalancer is assembled from configuration.

	factory := service.NewFactory(registry.NewRegistry(log), log)
	lb, err := factory.Create(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to create load balancer")
	}
	defer lb.Stop()

Create opens every replica, runs one probe cycle so unreachable replicas
start DOWN, then starts the per-replica workers and the probe loop.

LoadBalancer:
RunQuery routes a query by kind and always returns a domain.Result.

	res := lb.RunQuery(ctx, &domain.Query{Kind: domain.KindRead, Payload: stmt})
	if !res.OK() {
		log.WithField("code", res.Error.Code).Warn(res.Error.Message)
	}

Reads go to one idle RUNNING replica and are re-routed up to MaxRetries
times when the replica is lost mid-query. Writes are copied to every RUNNING
replica (fan_out) or sent to the primary only (primary).

Routing algorithms:
  - RoundRobin: a cursor over the replica list, skipping DOWN and busy ones
  - WeightedRoundRobin: smooth weighted selection over idle replicas
  - FanOutWrite: admits the write on every RUNNING replica
  - PrimaryWrite: admits the write on the single primary

When nothing is eligible the algorithms retry with exponential backoff until
the route timeout, then fail with NO_AVAILABLE_REPLICA.

WorkerPool:
One goroutine per replica drains its single-slot queue, runs the task under
the query timeout, frees the replica and completes the task's future.

HealthProbe:
The only writer of replica status. Every wait_time it probes each replica in
order; success marks it RUNNING and an operational failure marks it DOWN.
Workers and the load balancer report out-of-band failures through MarkDown.

Metrics:
Per-replica routing, latency and timeout counters, surfaced by the admin API.
*/
package service
