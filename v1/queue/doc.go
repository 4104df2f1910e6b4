// Package queue moves accepted orders from the seckill decision to durable
// persistence. Two transports satisfy the same contract: a bounded in-process
// channel with a single consumer goroutine (no redelivery, degraded fallback)
// and a Redis Stream consumer group with acknowledge-on-success semantics and
// pending-list redelivery bounded by a retry ceiling. Delivery on the stream
// transport is at-least-once; handlers must be idempotent.
package queue
