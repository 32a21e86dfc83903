// Package memcache implements the memcached ASCII protocol: an incremental
// request parser, the response composer and the request processor that
// executes parsed requests against the storage engine.
//
// Nothing in this package touches a socket. The parser consumes bytes from
// a connection's read buffer and the composer appends to its write buffer;
// the connection reactor moves bytes between those buffers and the network.
//
// Wire format (CRLF terminated, bare LF accepted):
//
//	get <key>*                                   -> VALUE ... END
//	gets <key>*                                  -> VALUE ... <cas> END
//	set|add|replace <key> <flags> <exptime> <bytes> [noreply]\r\n<data>\r\n
//	cas <key> <flags> <exptime> <bytes> <cas> [noreply]\r\n<data>\r\n
//	append|prepend ...                           -> CLIENT_ERROR command not supported
//	delete <key> [noreply]
//	incr|decr <key> <value> [noreply]
//	touch <key> <exptime> [noreply]
//	flush_all [delay] [noreply]
//	version | stats | verbosity <n> [noreply] | quit
package memcache
