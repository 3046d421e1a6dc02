// Package shm provides a shared memory heap that can be handed to another
// process over an IPC channel and mapped there.
//
// A Heap is built by exactly one of these constructors:
//
//   - NewFromFD maps an existing descriptor. The heap duplicates it and only
//     ever closes that duplicate, the caller keeps its own descriptor.
//   - NewFromOwnedFD maps a descriptor and takes it over; the heap closes it.
//   - NewFromDevice opens and maps a device node (or any mappable file).
//   - NewAnonymous creates and maps a sealed memfd.
//
// Constructors always return a non-nil *Heap. When the error is non-nil the
// heap is in the Failed state and its accessors report an invalid descriptor,
// a nil base and a zero size. Dispose tears the heap down and may be called any
// number of times; a heap that is dropped without Dispose is released by a
// runtime cleanup using the same code path.
//
// The slice returned by Base does not keep its Heap reachable. A mapping is
// released as soon as the Heap is collected, even if the slice is still in
// use, so hold the *Heap for as long as the bytes are touched (or end the use
// with runtime.KeepAlive) and never use the slice after Dispose.
//
// Example usage:
//
//	heap, err := shm.NewAnonymous(1<<20, shm.WithName("frames"))
//	if err != nil {
//	  // ...
//	}
//	defer heap.Dispose()
//	copy(heap.Base(), payload)
//	desc, _ := heap.Descriptor() // hand desc to the transport
//
// The heap does not synchronise access to the mapped bytes.
package shm
