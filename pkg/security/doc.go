/*
Package security loads TLS material for VeloxDB's Execution Endpoint and
Replication Engine listeners from the SSLConfiguration configuration
block.

VeloxDB does not operate its own certificate authority: certificates are
provisioned externally (by an operator or an existing PKI) and referenced
by path. This package's job is narrow: parse PEM-encoded certificate,
key, and CA material, build a *tls.Config suitable for a server or
client listener, and report certificate expiry so operators can rotate
ahead of time.
*/
package security
