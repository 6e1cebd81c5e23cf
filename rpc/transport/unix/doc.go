// Package unix provides Unix domain socket connectors for the base
// transport, for clients running on the same machine as the broker. The
// endpoint is the socket path, a stale socket file is removed on Listen.
package unix
