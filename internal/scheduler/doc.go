// Package scheduler drives job firing.
//
// A cron entry ticks every TickInterval. Each tick collects due jobs under
// the repository lock and marks them in flight, places their orders one by
// one with the lock released, then applies each outcome under the lock:
// history, next quantity, next run and error accounting. State is saved once
// per tick. A second cron entry zeroes the rolling 24h order counter.
package scheduler
