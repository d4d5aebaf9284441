// Package crawler defines the domain types, store contracts, URL canonicalisation,
// scope rules and failure taxonomy shared by the crawl orchestration subsystems.
package crawler
