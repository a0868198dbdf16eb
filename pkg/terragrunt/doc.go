// Package terragrunt wraps the terragrunt CLI as a typed client.
//
// Client methods take a Request and return a uniform Response; a non-zero
// exit is data, not an error. Invoker turns a Response into the boolean
// executed/skipped signal the orchestrators use and classifies failures into
// task errors: non-zero exits and launch failures become CLI runtime errors,
// timeouts become CLI timeout errors, and context cancellation is passed
// through untouched.
package terragrunt
