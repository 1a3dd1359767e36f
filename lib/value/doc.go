// Package value implements typed values on top of blobs.
//
// A Value is a kind tag (string, list, hash, set or sorted set), an expiration flag
// and a blob holding the content. When the flag is set the content starts with the
// expiration epoch (Unix seconds, 8 bytes, big endian), followed by the payload:
//
//	[epoch (8 bytes), only if HasExpiration] [payload ...]
//
// Setting or voiding the expiration changes the content layout. Both operations
// rebuild the content from scratch (read the payload, clear the blob, write the new
// content) inside the caller's transaction, so the payload itself never moves by
// offset arithmetic.
//
// Operations that change content need the blob options and are methods of Sizer,
// which also reports value sizes to the btree package.
package value
