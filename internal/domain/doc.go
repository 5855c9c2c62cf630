/*
Package domain contains the core entities and interfaces of the replica load balancer.

Database Entity:
Database represents one interchangeable replica. It owns the connection
handle (a Connector), an atomic health Status and a single-slot admission
queue. A replica holding a query is busy and is skipped by routing until its
worker releases the slot.

	db := domain.NewDatabase("replica-a", conn)
	task := domain.NewTask(query, db, 5*time.Second)
	if db.IsRunning() && db.Enqueue(task) {
		result, err := task.Future.Get(ctx)
	}

Status is written only by the health probe. Routers, workers and the IPC
layer read it without locking.

Queries and Results:
Query carries a correlation id, a kind (READ or WRITE) and an opaque payload.
Result carries the same id and either an opaque value or a ResultError. The
payload and value bytes are interpreted only by the Connector implementation.

Routing:
ReadAlgorithm admits a read on one replica; WriteAlgorithm admits a write on
every replica that must apply it. Both wait a bounded time for an eligible
replica and then fail with NO_AVAILABLE_REPLICA.
*/
package domain
