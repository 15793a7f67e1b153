// Package gateway implements the mutation path from local callers to the
// task server.
//
// Every mutation is shown immediately through a speculative event applied by
// the reconciliation engine, then sent over REST. The server's answer is fed
// back to the engine as an authoritative event; a failure restores the
// record the mutation started from. Mutations of one task are queued so that
// only one request per task is in flight, and mutations addressed to a
// tentative id wait for the create and follow it to the confirmed id.
package gateway
