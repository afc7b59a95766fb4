// Package dispatch sends a signed plugin input to its target.
//
// Two transports sit behind Dispatcher.Dispatch:
//   - Workflow targets trigger a GitHub Actions workflow_dispatch run as the
//     app installation that owns the target repository. The run happens
//     out of band; a nil error only means GitHub accepted the request.
//   - Worker targets receive the input as a JSON POST to "{url}/". The
//     response body may carry an immediate result.
//
// Installation lookup matches the owner login case-insensitively against the
// app's installations and fails with ErrNoInstallationFound when absent.
// Every transport failure is returned as *Error, which matches
// ErrDispatchFailed under errors.Is.
//
// Nothing here retries. Callers decide whether a failure aborts their
// operation or is logged and isolated.
package dispatch
