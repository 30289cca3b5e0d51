// Package server hosts the Fiber HTTP service and its middleware chain: request
// IDs, panic recovery and the public-origin Host check. Every accepted request
// outside /-/ is handed to a FetchHandler, which turns it into a fetch event for
// the worker host; /-/ paths belong to the diagnostics routes.
package server
