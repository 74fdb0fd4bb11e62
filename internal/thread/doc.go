// Package thread coordinates the debugging state of one remote thread
// actor.
//
// The backend is only observable through asynchronous messages, so the
// proxy tracks two views of the thread: the desired state the
// controller asked for and an optimistic local belief about the actual
// state, flipped ahead of confirmation. A single reconciliation
// routine decides the next wire request from those fields in strict
// priority order: pause-scoped operations first, then the in-flight
// evaluation, then queued evaluations, then the desired run state.
//
// Results of round-trip operations arrive through futures; lifecycle
// events reach the controller through a fixed set of handler
// callbacks.
package thread
