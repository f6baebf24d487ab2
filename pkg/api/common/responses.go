// Package common holds the response envelopes shared by warden's HTTP
// surfaces.
package common

// ErrorResponse is the error body every endpoint returns: a
// machine-readable error kind plus a human-readable detail.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
