// Package testutil provides deterministic fakes for exercising the engine
// without a network, a browser or a real clock.
//
// Every fake records what it was asked to do and is safe for concurrent use,
// since the engine calls collaborators from upload and timer goroutines.
package testutil
