/*
Package pairsync runs transactional events between two paired endpoints.

# Overview

Two endpoints share a set of variables. Each endpoint may start named
events at any time; an event reads and writes only the variables its
prototype declares, and both endpoints hold identical values for every
shared variable an event touches once it commits.

There is no coordinator. Conflicting events are kept apart by per-variable
usage counters on each endpoint, object-level reservations on external
containers, and a static priority: when both endpoints start conflicting
events at once, the high-priority endpoint's event wins and the other is
postponed and retried automatically.

# Basic Usage

Declare the protocol once, then build one endpoint per side:

	proto := pairsync.NewProtocol()
	proto.MustEvent(pairsync.EventPrototype{
	    Name:   "set_name",
	    Entry:  "set_name",
	    Writes: []string{"username"},
	})

	steps := map[pairsync.StepName]pairsync.StepFunc{
	    "set_name": func(x pairsync.Exec) (any, error) {
	        if err := x.Vars().SetShared("username", x.Args()[0]); err != nil {
	            return nil, err
	        }
	        return nil, x.Sequence("sync_name", "")
	    },
	    "sync_name": func(x pairsync.Exec) (any, error) {
	        return nil, x.Finish("")
	    },
	}

	a, b := transport.NewPipe()
	client, _ := pairsync.New(a, proto, pairsync.EndpointSpec{
	    Name: "client", Shareds: map[string]any{"username": ""}, Steps: steps,
	})
	server, _ := pairsync.New(b, proto, pairsync.EndpointSpec{
	    Name: "server", HighPriority: true, Shareds: map[string]any{"username": ""}, Steps: steps,
	})

	_, err := client.Call(ctx, "set_name", "alice")

# Sequences

An event body that calls Exec.Sequence sends a step to the peer and waits.
The peer runs the step, which either finishes the sequence (Exec.Finish)
or hands control back with Exec.Jump. When the body returns, the
initiating endpoint commits and, if any message was sent, tells the peer
to commit with the final context.

A body may be interrupted at any Exec call with ErrPostponed. It must
return that error unchanged; the event runs again from its entry step
with a fresh context.

# External Objects

Lists and maps that outlive a single event live in an external.Store and
are referenced from endpoint globals by id. Events declare which
footprint variables hold externals so admission can reserve the objects;
changes made through Context.ExternalForWrite are committed or rolled
back with the event.

# Errors

Call returns the body's error wrapped with ErrAborted, in which case the
event was rolled back on both endpoints. Protocol violations stop the
endpoint with an *InvariantError; Err reports it and blocked calls return
it. Losing the connection fails calls with ErrConnectionLost.

# Thread Safety

  - Protocol is safe for concurrent reads once frozen
  - Endpoint IS safe for concurrent use
  - Context accessors are safe for concurrent use
  - An Exec belongs to the goroutine running its step

# Subpackages

  - message: wire envelope and codec
  - external: reference-counted external objects and reservations
  - transport: in-memory and WebSocket connections
  - journal: commit journal (memory, SQLite)
  - observability: logging, metrics, and tracing helpers
  - config: file-based endpoint configuration
  - registry: tables that become read-only after setup
*/
package pairsync
