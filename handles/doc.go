// Package handles is the fixed pool of file handle slots.
//
// Each slot owns the memory an open file needs: the engine's program buffer
// and one 4 byte attribute buffer for the modification time. A slot is
// borrowed between Acquire and Release and zeroed on every Acquire.
//
// The pool also arbitrates the single compression codec. A caller asking
// for a codec mode gets a slot only if no other slot holds the codec, and
// nothing is reserved when the request is turned down.
package handles
