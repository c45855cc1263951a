// Package domain holds the persisted records of the engine (jobs, users,
// counters) and the pure growth calculation.
package domain
