// Package mocks provides shared mock implementations for tests.
//
// Import the package in a test file and configure the mock's fields:
//
//	gen := &mocks.MockGenerator{
//	    GenerateSubtasksFn: func(ctx context.Context, req generation.Request) ([]domain.Subtask, error) {
//	        return []domain.Subtask{{Title: "Draft"}}, nil
//	    },
//	}
//
// Mocks record their calls so tests can assert on the arguments.
package mocks
