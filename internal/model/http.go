package model

// Response envelopes returned by the HTTP API and consumed by the client
// package.

type TestRunHTTP struct {
	TestRun
	// TestLabel is the label of the test this run executes.
	TestLabel string        `json:"testLabel"`
	Steps     []TestRunStep `json:"steps"`
}

type SuiteHTTP struct {
	Suite
	Tests []Test `json:"tests"`
}

type SuiteRunHTTP struct {
	SuiteRun
	SuiteName string    `json:"suiteName"`
	TestRuns  []TestRun `json:"testRuns"`
}
