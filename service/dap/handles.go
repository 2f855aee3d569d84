package dap

// firstRef is the first frame id and variables reference handed out after
// every stop. References of an earlier stop are never reused within it.
const firstRef = 1000

// cpuScope is the value behind the frame id and the variables reference
// of the register scope: the program counter of the stop it belongs to.
type cpuScope struct {
	addr uint16
}

// refTable hands out sequential ids for values that the client refers to
// in later requests. It is cleared whenever the target stops, so an id is
// only valid while the target stays at the same stop.
type refTable[T any] struct {
	next int
	vals map[int]T
}

func newRefTable[T any]() *refTable[T] {
	return &refTable[T]{next: firstRef, vals: make(map[int]T)}
}

// clear drops all references and restarts numbering.
func (rt *refTable[T]) clear() {
	rt.next = firstRef
	clear(rt.vals)
}

func (rt *refTable[T]) add(v T) int {
	id := rt.next
	rt.next++
	rt.vals[id] = v
	return id
}

func (rt *refTable[T]) lookup(id int) (T, bool) {
	v, ok := rt.vals[id]
	return v, ok
}
