// Package pools provides object pooling for reducing GC pressure.
//
// The storage engine allocates one buffer per decoded block and one per
// encoded record, so both are drawn from here:
//
//   - BytePool: Size-class based byte slice pooling tuned for block sizes
//   - BufferBuilder: Append-only encoder over a pooled buffer
package pools
