// Package storage persists the engine's three collections: jobs (ordered
// list), users (map) and counters (map).
//
// Drivers:
//   - "file": one JSON file per collection, replaced via tmp write,
//     re-read validation, delete and rename
//   - "sqlite": modernc.org/sqlite, one transaction per save
//   - "badger": badgerhold over badger v4, one transaction per save
package storage
