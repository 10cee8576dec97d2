// Package viewsync hosts a shared document-viewing session: one authoritative
// server arbitrates navigation and document loads for any number of connected
// viewers. Clients hold a time-bounded exclusive lease while interacting;
// document loads pre-empt navigation and reset the shared place. Uploads are
// content-addressed, so the same file dropped twice converts and stores once.
//
// The Server type wires the session, storage backend, upload pipeline, and
// HTTP/WebSocket surface together. The client package implements the viewer
// side.
package viewsync
