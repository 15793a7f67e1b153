// Package testutils provides test helpers shared across packages.
//
// TestSlogHandler captures structured log records so tests can assert on
// what a component logged:
//
//	handler := testutils.NewTestSlogHandler()
//	logger := slog.New(handler)
//	// ... exercise code that logs ...
//	entries := handler.EntriesWithMessage("board changed")
package testutils
