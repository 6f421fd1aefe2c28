// Package message defines the wire envelope exchanged between two paired
// endpoints, its control sentinels, and the JSON codec used by transports.
//
// Every envelope carries a control value, the id of the event it belongs
// to, the event's prototype name, an optional sequence name, and an
// environment payload. The control value is either one of the reserved
// sentinels (release, sequence finished, not accepted, abort) or the name
// of the step the receiver must execute next.
package message
