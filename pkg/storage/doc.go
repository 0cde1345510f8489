// Package storage provides the broker backends behind the job queues.
//
// Two backends implement core.Broker:
//   - GormBroker keeps jobs in a SQL table (SQLite or PostgreSQL).
//   - RedisBroker keeps jobs in Redis sorted sets and JSON keys.
//
// Open selects a backend from a connection URL.
package storage
