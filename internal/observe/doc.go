// Package observe runs post-response observers off the request path.
//
// The Observe middleware records what a request did and, once the handler
// returns, hands one task per observer to a bounded Dispatcher. Observers
// never delay or fail the response: a full queue drops the task and
// counts it.
package observe
