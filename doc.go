/*
Package docstore implements conditional writes over schemaless document
stores. One DB sits in front of a Backend (DynamoDB, MongoDB, a directory of
JSON files, a Bolt file, or memory) and provides the same read-check-write
semantics regardless of what is underneath.

# Model

A table holds documents addressed by a single key attribute. The key is
a primitive Value (string, integer, float, boolean or bytes) and is never
stored inside the document body; every document handed back to the caller has
it re-attached.

Writes may carry a condition tree (Cond) that is evaluated against the
current state of the item before the write is applied. A condition that does
not hold fails the write with ErrPreconditionFailed.

# Technical Details

**Atomicity.**
Each write reads the current item, checks the condition and writes the new
state. Backends that implement Transactor run this sequence inside a native
transaction. Backends that implement Versioner make the final write
conditional on the version observed by the read. For other backends,
configure Options.Locker to serialize writers per table.

**Contention.**
Backend faults classified as retriable (see MarkRetriable) are retried with
a constant delay. After the last attempt the operation fails with
ErrContention.

**Cursors.**
Scans return opaque cursors. Offset-style backends emit decimal offsets,
native backends emit a checksummed token (see NativeCursor). A cursor that
fails to decode restarts the scan from the beginning.
*/
package docstore
