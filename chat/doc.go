// Package chat contains the real-time room: presence tracking, history replay,
// message fan-out and the per-connection websocket actor.
//
// Entry points:
//   - Room.Connect authenticates a session token, records the connection,
//     replays the recent history to the joiner and announces the join to
//     everyone else.
//   - Room.SendText / Room.SendFile persist an event through the MessageStore
//     and broadcast the resolved event to every member, the sender included.
//   - Room.Disconnect is idempotent and announces the departure once.
//   - Room.Serve drives a gorilla/websocket connection with read/write pumps.
//
// All commits (join, leave, persist+broadcast) are serialized by the room lock,
// so broadcasts leave in persistence order and every announced member count
// matches the registry right after that change. Mediators (the chatbot bridge)
// observe text events after they were broadcast.
package chat
