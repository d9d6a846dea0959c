// Package driver defines the contract between the gateway and a messaging platform.
//
// A Driver opens one Connection per session. Each Connection reports what
// happens on the link through a stream of Events:
//
//   - pairing_code: an unlinked session has a code to show the user
//   - link_established: the account is linked and sends will work
//   - link_lost: the link dropped, recoverable (resume with stored
//     credentials) or terminal (credentials are no longer valid)
//   - message: a message was observed on the account
//
// Sends return the platform's message id. A send that fails with
// ErrInvalidRecipient is permanent and must not be retried; every other send
// error is treated as transient by the delivery queue.
//
// The whatsapp subpackage implements Driver on whatsmeow. Fake is a scripted
// in-memory Driver used by tests and by the gateway's development mode.
package driver
