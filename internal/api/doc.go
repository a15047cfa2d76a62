// Package api implements the HTTP handlers for the conversion service: the
// convert endpoint composing cache, queue, and waiter, plus liveness.
package api
