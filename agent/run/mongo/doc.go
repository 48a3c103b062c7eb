// Package mongo registers MongoDB-backed run metadata storage for agentkit.
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a run.Store backed by a durable collection.
package mongo
