// Package lifecycle drives peer sessions ("calls") between a local peer and
// its remotes: negotiation through the signaling relay, transport health
// monitoring, and bounded-backoff reconnection after network interruption.
//
// The actual peer transport (ICE, DTLS, media pipes) is an injected Provider;
// this package owns only the orchestration around it. Recovery is asymmetric:
// the Controller-role side re-initiates negotiation, the Car-role side tears
// down and waits for the Controller's next offer.
package lifecycle
