// Package errors defines error types for the toolhost plugin subsystem.
//
// This package provides structured error types covering the failure
// scenarios of provisioning, discovery, and tool dispatch. All error types
// support error unwrapping and can be checked using errors.Is and errors.As.
package errors
