// Package cache holds data fetched from the network that this cell does
// not own.
//
// The cache is a BadgerDB keyspace with a TTL on every key, so entries
// expire on their own. Nothing is ever moved out of the cache: integration
// copies what it needs into the store and leaves the cached copy to age
// out. A Snapshot exposes the cache as a read-only cascade source.
//
// Key layout (all components are hex hashes or agent keys):
//
//	e/<header>                 signed header + entry hash
//	n/<entry>                  entry
//	l/<base>/<create header>   link
//	r/<base>/<create header>   link removal marker
//	a/<author>/<seq>/<header>  agent activity, seq zero-padded
//	u/<original header>/<header>
//	d/<deleted header>/<header>
package cache
