// Package external manages objects shared by reference between events on
// one endpoint: transactional containers, their reference counts, and the
// read/write reservations that keep concurrent events from interfering.
//
// External objects never travel over the wire. A variable that holds one
// stores only its ID; the object itself lives in a Store keyed by the
// owning endpoint name. Events that touch an external object first
// reserve it through a ReservationManager. Reservations are all-or-nothing:
// either every requested read and write lock is granted or none is.
//
// Mutations on List and Map are staged in an undo log. Commit discards the
// log and Backout replays it in reverse, restoring the state seen when the
// log was last cleared.
package external
