// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the site registry that maps an incoming Host onto the site whose
// offline worker should intercept the request. Control endpoints under /-/
// live in the routes subpackage; the interception itself lives in proxy.
package server
