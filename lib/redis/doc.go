// Package redis implements the Redis command surface on top of the btree and value
// packages.
//
// A Command is looked up in a static table holding its arity (Redis convention:
// positive = exact number of words including the name, negative = minimum), whether
// it writes, and which arguments are keys. Execute runs a command against an Env and
// returns a Reply. User errors (wrong type, not an integer, wrong arity, ...) are
// returned as ErrorReply values; the error result is reserved for storage failures.
//
// Commands never delete expired keys. TTL reports -1 for absent keys, keys without
// expiration and keys whose expiration lies in the past.
//
// Write commands must produce the same result on every replica, so commands that
// depend on the clock (EXPIRE) are rewritten to absolute form by Normalize before
// they are replicated.
package redis
