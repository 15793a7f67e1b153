// Package worker runs background jobs on a fixed-size goroutine pool fed by
// a bounded queue. A full queue rejects work instead of blocking the caller.
package worker
