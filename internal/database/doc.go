// Package database opens the gateway's relational store and manages its
// connection pool: driver selection (postgres, mysql, sqlite), pool
// sizing, periodic health checks, and transaction helpers with retry for
// transient failures.
package database
