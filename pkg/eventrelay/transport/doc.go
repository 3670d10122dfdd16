// Package transport provides concrete message.Transport implementations:
//
//   - Memory: in-process store with failure injection, for tests and
//     embedding.
//   - File: file-based IPC through a shared directory, one file per
//     message, consumed in FIFO order.
//   - HTTP: POSTs envelopes to an event-ingestion endpoint, with
//     asynchronous writes and client-side rate limiting.
package transport
