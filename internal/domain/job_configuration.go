package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfiguration marks a job configuration that cannot be executed.
var ErrInvalidConfiguration = errors.New("invalid job configuration")

// ParamKeyProductTimeoutMinutes lets a job override the minutes to wait for its product.
const ParamKeyProductTimeoutMinutes = "pds.config.product.timeout.minutes"

// ExecutionParameter is one key/value entry of a job configuration.
type ExecutionParameter struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

// JobConfiguration is the JSON document a caller attaches to a job.
type JobConfiguration struct {
	ProductID     string               `json:"productId" validate:"required"`
	SecHubJobUUID string               `json:"sechubJobUUID,omitempty" validate:"omitempty,uuid"`
	Parameters    []ExecutionParameter `json:"parameters" validate:"dive"`
}

var configValidate = validator.New()

// ParseJobConfiguration decodes and validates a job configuration.
func ParseJobConfiguration(raw string) (*JobConfiguration, error) {
	var cfg JobConfiguration
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if err := configValidate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return &cfg, nil
}

// Parameter returns the value of the first parameter with key.
func (c *JobConfiguration) Parameter(key string) (string, bool) {
	for _, p := range c.Parameters {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// MinutesToWait resolves the timeout for this job: the job parameter wins over
// the product setting, which wins over the server default.
func (c *JobConfiguration) MinutesToWait(product *ProductSetup, serverDefault int) (int, error) {
	minutes := serverDefault
	if product != nil && product.MinutesToWaitForProductResult != 0 {
		minutes = product.MinutesToWaitForProductResult
	}
	if v, ok := c.Parameter(ParamKeyProductTimeoutMinutes); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: parameter %s is not a number: %q", ErrInvalidConfiguration, ParamKeyProductTimeoutMinutes, v)
		}
		minutes = n
	}
	return minutes, nil
}
