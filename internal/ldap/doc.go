/*
Package ldap provides the query execution engine behind ldap-searcher.

It turns tabular search requests into directory searches over a single
authenticated connection and flattens the results into records.

# Architecture Overview

The package is organized into four components:

  - Session: one connection, its TLS negotiation, bind and lifecycle state
  - Builder: validation of a row's base, filter and attribute list
  - Executor: paged searches driven through the Session
  - Normalizer: flattening of entries into fixed-column records

# Connection Management

A Session moves through Disconnected, Connected, Bound and Failed. Searches
are refused unless the Session is Bound. Every blocking call is bounded by
the configured timeout; on expiry the transport is closed and the Session
becomes Failed. When no host is configured the server is located by DNS SRV
lookup on the configured domain.

# Error Handling

All failures are reported as *Error values carrying an ErrorKind:

	if ldap.KindOf(err) == ldap.KindFilterSyntax {
		// reject the row, the connection is still usable
	}

IsConnectionLevel reports whether the transport should be discarded.

# Value Rendering

Multi-valued attributes are joined with the configured separator. The
objectGUID and objectSid attributes are rendered in their string forms and
other binary values are base64 encoded with a "b64:" prefix.
*/
package ldap
