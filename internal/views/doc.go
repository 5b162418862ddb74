// Package views contains the class-based views served by cbv-server: a
// users resource backed by an in-memory store and an echo WebSocket view.
package views
