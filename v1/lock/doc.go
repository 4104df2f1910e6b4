// Package lock provides distributed locking with in-memory and Redis
// implementations. Acquisition is a single atomic set-if-absent attempt and
// never blocks; release verifies the owner token server-side so a holder can
// never delete a lock the TTL has already reassigned. Callers that need
// blocking semantics use Acquire, which polls with backoff.
package lock
