// Package config loads VeloxDB's JSON configuration file: the Version,
// ExecutionEndpoint, Database, SSLConfiguration, Logging, and
// Replication blocks. Files are merged install dir → system config dir
// → user config dir, each overriding fields the previous one set, and
// path-valued fields support the ${ApplicationData}-family of
// templates.
package config
