// Package progress carries crawl progress events from workers and the session
// service to pluggable sinks. The Hub batches events on a background goroutine
// so emitters never block on a slow sink.
package progress
