// Package dictionary holds the shared map of named values.
//
// Every Entry carries its value, an optional timestamp (epoch milliseconds)
// and the set of session IDs subscribed to it. The map is mirrored by an
// insertion-ordered slice so listings come back in creation order.
//
// One mutex guards the whole Dictionary, entries included. Several hub
// instances may share a Dictionary.
//
// Subscriber sets hold session IDs rather than session references, so a
// closed session cannot be reached through a stale entry; callers resolve IDs
// through the connection manager. Removing a subscriber from one entry is an
// O(1) map delete, removing it from every entry is O(entries).
package dictionary
