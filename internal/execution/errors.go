package execution

import "errors"

var (
	// ErrTimeout is returned when a product does not exit within its time budget.
	ErrTimeout = errors.New("product time out")
	// ErrSpawn wraps failures to start the product process.
	ErrSpawn = errors.New("product process could not be started")
	// ErrCanceled is returned by a runner whose job was canceled.
	ErrCanceled = errors.New("job execution canceled")
	// ErrMissingResultFile is returned when a product exits without writing its result.
	ErrMissingResultFile = errors.New("result file not found")
)
