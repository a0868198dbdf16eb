// Package task defines the inputs and outputs of one terragrunt task.
//
// A task is one of three tagged variants (plan, apply, destroy) sharing an
// embedded Base. Parameters arrive with secret references rather than
// secret values; Decrypt resolves them into a private copy and registers
// every resolved value with a Sanitizer so that nothing secret reaches a
// log line or a returned error.
//
// The package also owns the error taxonomy every other package reports
// through (Error and its Kind values) and Failure, the terminal error of a
// task that carries the progress of every unit.
package task
