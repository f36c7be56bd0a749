// Package contracts provides the wire model of the relay.
//
// A Packet is the only structure exchanged over a channel:
//   - EVENT packets are routed to listeners by their event name
//   - CALLBACK packets are routed to pending reply handlers by their callback ID
//
// A packet signed with SkipSelf is ignored by the instance whose signature it carries,
// which lets a process broadcast on a channel it also listens to.
//
// The byte representation of a packet is owned by the serialization package; this package
// only defines the fields and their invariants.
package contracts
