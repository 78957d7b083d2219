package domain

import "errors"

// ErrProductNotFound is returned when a product id is not configured on this server.
var ErrProductNotFound = errors.New("product not found")

// ParameterDefinition declares one parameter a product accepts.
type ParameterDefinition struct {
	Key         string `json:"key" validate:"required"`
	Description string `json:"description,omitempty"`
}

// ParameterSetup is the allow-list of parameters for a product.
type ParameterSetup struct {
	Mandatory []ParameterDefinition `json:"mandatory" validate:"dive"`
	Optional  []ParameterDefinition `json:"optional" validate:"dive"`
}

// Allows reports whether key is declared as mandatory or optional.
func (p ParameterSetup) Allows(key string) bool {
	for _, d := range p.Mandatory {
		if d.Key == key {
			return true
		}
	}
	for _, d := range p.Optional {
		if d.Key == key {
			return true
		}
	}
	return false
}

// ProductSetup describes an external scanner program.
type ProductSetup struct {
	ID                            string         `json:"id" validate:"required,max=30"`
	Path                          string         `json:"path" validate:"required"`
	ScanType                      string         `json:"scanType,omitempty"`
	Description                   string         `json:"description,omitempty"`
	MinutesToWaitForProductResult int            `json:"minutesToWaitForProductResult,omitempty"`
	UnzipUploads                  bool           `json:"unzipUploads,omitempty"`
	Parameters                    ParameterSetup `json:"parameters"`
}

// ProductRegistry resolves products configured on this server.
type ProductRegistry interface {
	// Product returns the setup for id or ErrProductNotFound.
	Product(id string) (*ProductSetup, error)
	// DefaultMinutesToWait is the server wide time to wait for a product.
	DefaultMinutesToWait() int
	// MaxMinutesToWait is the upper bound any job may configure.
	MaxMinutesToWait() int
}
