package http

// CancelRequest carries the job uuid taken from the request path.
type CancelRequest struct {
	JobUUID string `validate:"required,uuid"`
}

// CancelResponse reports whether the job was tracked and a cancel was issued.
type CancelResponse struct {
	Canceled bool `json:"canceled"`
}

// ErrorResponse is returned for rejected requests.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
