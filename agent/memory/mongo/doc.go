// Package mongo registers MongoDB-backed message-history storage for
// agentkit runs. Use clients/mongo to build the low-level client and pass it
// to NewStore to obtain a memory.Store that persists each run's message
// history keyed by (agent ID, run ID).
package mongo
