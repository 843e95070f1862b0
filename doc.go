// Package sioengine implements the server-side protocol engine for a
// bidirectional, event-based real-time messaging protocol in the
// Socket.IO family.
//
// The engine is made of three cooperating pieces. The packet Codec
// converts protocol packets to and from transport frames, including
// multi-frame reassembly of binary attachments. The Manager keeps the
// authoritative record of which session is connected to which
// namespace, which rooms it is in and which acknowledgement callbacks
// are still pending. The PubSubManager extends the Manager so several
// server processes sharing one broker channel behave as a single
// logical deployment. The Server facade on top turns inbound packets
// into handler invocations and application calls into outbound packets.
//
// # Quick Start
//
//	ts := transport.NewServer(nil, nil)
//	srv := sioengine.NewServer(ts, nil)
//
//	srv.OnConnect("/", func(sid string, auth any) error {
//	    log.Printf("client connected: %s", sid)
//	    return nil
//	})
//	srv.On("/", "message", func(sid, event string, args []any) (any, error) {
//	    return "got it", nil // becomes the ack reply if one was requested
//	})
//
//	ts.OnMessage(srv.HandleMessage)
//	ts.OnClose(srv.HandleClose)
//
//	http.Handle("/socket.io/", ts)
//	http.ListenAndServe(":3000", nil)
//
// # Namespaces
//
// Namespaces multiplex isolated event and room address spaces over one
// transport connection. Handlers are registered per namespace; the
// reserved "*" key matches any namespace, and the "*" event name
// catches events without their own handler.
//
// # Rooms
//
// Rooms group sessions for multicast addressing. Every session is
// implicitly in a room named after its own session id, so a session id
// works anywhere a room name does.
//
//	srv.EnterRoom(sid, "/", "room1")
//	srv.Emit("news", "hello room", "/", sioengine.EmitToRooms("room1"))
//	srv.LeaveRoom(sid, "/", "room1")
//
// # Acknowledgements
//
// An emit may request an acknowledgement from a single recipient:
//
//	srv.Emit("question", "ready?", "/",
//	    sioengine.EmitToRooms(sid),
//	    sioengine.EmitWithCallback(func(args []any) {
//	        log.Printf("client answered: %v", args)
//	    }))
//
// Callbacks registered for a session are discarded, not invoked, when
// the session disconnects.
//
// # Scaling out
//
// Several processes share one deployment by using PubSubManager with a
// common BrokerAdapter channel. Emits, room changes, disconnects and
// acknowledgement callbacks propagate between processes; each process
// recognizes its own broadcasts by host id and skips re-applying them.
//
//	broker := sioengine.NewMemoryBroker() // or any BrokerAdapter
//	manager := sioengine.NewPubSubManager(ts, broker)
//	srv := sioengine.NewServer(ts, manager)
//	manager.Start(ctx)
//
// A write-only coordinator publishes into the deployment without ever
// listening, for producers outside the serving fleet.
//
// # Thread Safety
//
// All operations are goroutine-safe. Event handlers run on spawned
// goroutines by default; WithSyncEventDispatch keeps them inline. The
// same engine code also runs on a cooperative single-loop scheduler,
// see Scheduler.
package sioengine
