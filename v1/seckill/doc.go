// Package seckill implements the flash-sale decision path: one server-side
// script atomically checks remaining stock, enforces one order per user per
// voucher, decrements and records the membership, and on the durable
// transport appends the order task to the stream, all without an
// intervening round trip. The script's atomicity is the only serialization
// of concurrent attempts; no client-side locking wraps the stock counter or
// the membership set.
package seckill
