// Package crawler holds the small set of shared types and interfaces that the
// robots engine, fetchers, aggregator, and orchestrator agree on: fetch
// requests and responses, the injectable Clock, and the archive/notification
// ports.
package crawler
