// Package interaction implements the single-slot confirmation rendezvous
// between running tasks and the user.
//
// A task that needs a decision calls Ask. The rendezvous emits an
// ask-question event and polls a slot, owned by the event loop, until the
// client fills it through Answer. Group preferences ("always" / "never")
// and auto-yes mode short-circuit the round trip.
//
// Only one question can be outstanding system-wide: Answer carries no
// question identifier, and a second Ask clears the slot of the first.
package interaction
