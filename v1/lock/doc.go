// Package lock provides a best-effort distributed lock built on a shared
// key/value cache. Acquiring sets a uniquely valued key only if it is absent,
// with an optional TTL; presence of the key is the mutual exclusion.
// Releasing deletes the key only if it still holds the value this owner
// wrote, so an owner whose lock expired and was taken over by someone else
// cannot release the new holder's lock.
//
// Locks are never renewed and no fencing token is handed to the protected
// resource. Release notifications travel over a syncbus.Bus so that blocked
// Acquire calls on other nodes wake up promptly.
package lock
