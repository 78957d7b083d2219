// internal/domain/execution.go
package domain

import (
	"context"

	"github.com/google/uuid"
)

// ExecutionOutcome is the result of running one job's product.
type ExecutionOutcome struct {
	Failed   bool   `json:"failed"`
	Result   string `json:"result"`
	ExitCode int    `json:"exit_code"`
}

// Location holds the absolute paths of a job workspace.
type Location struct {
	Workspace      string
	Upload         string
	Output         string
	ResultFile     string
	SystemOutFile  string
	SystemErrFile  string
	ZippedSource   string
	UnzippedSource string
}

// WorkspaceService owns the private directory of every job.
type WorkspaceService interface {
	// Prepare creates the workspace directories and returns their location.
	Prepare(jobUUID uuid.UUID) (Location, error)
	// UnzipUploads extracts uploaded archives when the product asks for it.
	UnzipUploads(ctx context.Context, jobUUID uuid.UUID, product *ProductSetup) error
	// Location returns the paths without creating anything.
	Location(jobUUID uuid.UUID) Location
	// AutoCleanDisabled reports whether workspaces are kept after execution.
	AutoCleanDisabled() bool
	// Encoding is the IANA name of the text encoding of product output.
	Encoding() string
	// Cleanup removes the workspace. Removing a missing workspace is not an error.
	Cleanup(jobUUID uuid.UUID) error
}
