package rendez

// Msg is one message buffer participating in a rendezvous. Buf is the
// caller-owned payload (its length is the capacity/input side of the
// control surface's dual-purpose length field); N is filled in by the
// operation with the actual number of bytes transferred, the output side
// of that same field.
type Msg struct {
	Buf []byte
	N   int
}

// publishLens writes the actual bytes-transferred counts back into each
// message's N field, the output side of the dual-purpose length field.
func publishLens(msgs []*Msg, lens []int) {
	for i, m := range msgs {
		if i < len(lens) {
			m.N = lens[i]
		} else {
			m.N = 0
		}
	}
}
