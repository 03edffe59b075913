package nbhm

import "unsafe"

type hashFunc func(unsafe.Pointer, uintptr) uintptr
type equalFunc func(unsafe.Pointer, unsafe.Pointer) bool

// defaultHasher obtains Go's built-in hash and equality functions for
// the instantiated key and value types from the runtime type descriptor
// of a map[K]V. The built-in hasher is seeded and well mixed, which
// matters for an open-addressing table: identity hashes would clump
// sequential keys into one reprobe window.
//
// Notes:
//   - This relies on Go's internal type representation
//   - It should be verified for compatibility with each Go version upgrade
func defaultHasher[K comparable, V any]() (keyHash hashFunc, valEqual equalFunc) {
	var m map[K]V
	mapType := rtypeOf(m).mapType()
	return mapType.Hasher, mapType.Elem.Equal
}

type rtFlag uint8
type rtKind uint8
type rtNameOff int32

// rtTypeOff is the offset to a type from moduledata.types. See
// resolveTypeOff in runtime.
type rtTypeOff int32

// rtype mirrors the layout of the runtime's type descriptor (abi.Type).
type rtype struct {
	Size_       uintptr
	PtrBytes    uintptr // number of (prefix) bytes in the type that can contain pointers
	Hash        uint32  // hash of type; avoids computation in hash tables
	TFlag       rtFlag  // extra type information flags
	Align_      uint8   // alignment of variable with this type
	FieldAlign_ uint8   // alignment of struct field with this type
	Kind_       rtKind  // enumeration for C
	// function for comparing objects of this type
	// (ptr to object A, ptr to object B) -> ==?
	Equal func(unsafe.Pointer, unsafe.Pointer) bool
	// GCData stores the GC type data for the garbage collector.
	GCData    *byte
	Str       rtNameOff // string form
	PtrToThis rtTypeOff // type for pointer to this type, may be zero
}

func (t *rtype) mapType() *mapRType {
	return (*mapRType)(unsafe.Pointer(t))
}

// mapRType mirrors the runtime's map type descriptor.
type mapRType struct {
	rtype
	Key   *rtype
	Elem  *rtype
	Group *rtype // internal type representing a slot group
	// function for hashing keys (ptr to key, seed) -> hash
	Hasher func(unsafe.Pointer, uintptr) uintptr
}

type emptyInterface struct {
	Type *rtype
	Data unsafe.Pointer
}

func rtypeOf(a any) *rtype {
	eface := *(*emptyInterface)(unsafe.Pointer(&a))
	// Types are either static (for compiler-created types) or
	// heap-allocated but always reachable (for reflection-created
	// types, held in the central map), so there is no need to let the
	// value escape just to read its type.
	return (*rtype)(noescape(unsafe.Pointer(eface.Type)))
}

// noescape hides a pointer from escape analysis. noescape is the
// identity function but escape analysis doesn't think the output
// depends on the input. noescape is inlined and currently compiles
// down to zero instructions.
// USE CAREFULLY!
//
// nolint:all
//
//go:nosplit
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
