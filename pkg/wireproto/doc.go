// Package wireproto implements the client-facing wire protocol:
// length-prefixed binary frames with a fixed
// {magic,version,type,length,requestId} header, carrying
// Hello/AuthChallenge/AuthResponse/Invoke/Result/Error/Heartbeat/Goodbye
// bodies. requestId pairs a Result or Error back to the Invoke that
// produced it; framing is bidirectional over one TCP connection.
//
// The body codec is the same BSON reflection-based encoding
// pkg/replication and pkg/txn use for their own payloads — one
// document codec for every internal payload in the system.
package wireproto
