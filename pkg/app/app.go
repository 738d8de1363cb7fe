// Package app holds the contract between the broadcaster binaries and the
// components they start.
package app

// Runner is a long-running process. Run blocks until the process is told
// to stop or fails.
type Runner interface {
	Run() error
}
