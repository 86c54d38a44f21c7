// Package canvasd synchronizes a shared drawing canvas between
// collaborating clients: shape mutations, advisory shape locks,
// presence and cursor broadcasts, and per-user undo/redo over inverse
// patches. The relay server runs cleanly as PID 1, and the package also
// makes it easy to embed a session directly over an in-process bus.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Running a relay
//
// The relay listens on `Config.Listen` and persists canvases to the
// store named by `Config.Store` (mem://, bolt://, postgres://, s3://).
// With `Config.Redis` set, several relays share one mutation bus.
//
//	cfg := canvasd.Config{
//	    Listen: ":9440",
//	    Store:  "bolt:///var/lib/canvasd/canvases.db",
//	    Redis:  "localhost:6379",
//	}
//	if err := cfg.Validate(); err != nil { log.Fatal(err) }
//
// Clients attach over websocket at `/v1/canvas/{id}/ws?user=<id>`. The
// first frame is always a full shape snapshot; every later frame is a
// mutation, presence, or error envelope. Mutations pass the conflict
// resolver before fan-out: last-write-wins by timestamp with a
// deterministic user-id tie-break, and edits to a shape locked by
// another user are refused with a retry hint.
//
// # Embedding a session
//
// A Session is the client-side engine: it applies local edits
// optimistically, publishes them on the bus, reconciles remote
// mutations, and keeps undo/redo history of its own edits only.
//
//	sess, err := canvasd.NewSession(cfg, canvasd.SessionOptions{
//	    CanvasID: "design-review",
//	    UserID:   "alice",
//	    Bus:      b,
//	    Docs:     docs,
//	})
//	if err != nil { log.Fatal(err) }
//	if err := sess.Join(ctx); err != nil { log.Fatal(err) }
//	defer sess.Leave(ctx)
//
//	id := canvasd.NewShapeID()
//	_, err = sess.CreateShape(api.Shape{ID: id, Type: api.ShapeRectangle, X: 80, Y: 40})
//
// Local edits are never refused for staleness; the session's clock
// stamps them as they happen. A grabbed shape (`sess.UpdateShape` on a
// locked shape it holds) renews the 10 second advisory lock on every
// write, and `sess.ReleaseShape` or `sess.Leave` hands it back. When
// the bus drops, edits queue locally and replay in order after the
// reconnect backoff succeeds.
//
// # Presence
//
// Sessions heartbeat their presence record every
// `Config.HeartbeatInterval` and peers fall offline after
// `Config.PresenceTTL` without one. Cursor moves are throttled to
// `Config.CursorMinInterval`, with jumps larger than
// `Config.CursorMinDelta` bypassing the throttle so fast drags stay
// visibly continuous. Each user gets a stable palette color derived
// from their id; displaying it is the caller's concern.
//
// # Undo and redo
//
// History entries store inverse patches covering exactly the fields a
// local edit touched, so undo restores a shape's prior field values
// without clobbering later remote edits to other fields. When a remote
// write lands on a field an inverse would restore, that entry is
// refused and discarded rather than silently overwriting newer work.
package canvasd
