// Package server hosts the Fiber HTTP service that fronts the web application:
// request-id middleware, panic recovery, the catch-all route that hands page
// requests to the interception layer, and the shared upstream http.Client.
// Diagnostics routes live in the routes subpackage under /-/.
package server
