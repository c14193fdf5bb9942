package pagemap

// Copy moves bytes from src into dst by walking both scatter/gather
// descriptions in lock-step, copying min(remaining-in-current-dst-span,
// remaining-in-current-src-span) bytes at each step. It stops when either
// description is exhausted and never writes past either's logical end --
// safe to call with mismatched logical lengths, since the shorter side
// bounds the copy.
func Copy(dst, src *PageMap) int {
	return CopySpans(dst.Spans(), src.Spans())
}

// CopySpans is the span-level primitive behind Copy, exposed directly so
// it can be table-tested without constructing PageMaps.
func CopySpans(dst, src []Span) int {
	total := 0
	di, si := 0, 0
	dOff, sOff := 0, 0

	for di < len(dst) && si < len(src) {
		dRem := dst[di].Len - dOff
		sRem := src[si].Len - sOff
		n := dRem
		if sRem < n {
			n = sRem
		}
		if n <= 0 {
			if dRem <= 0 {
				di++
				dOff = 0
			}
			if sRem <= 0 {
				si++
				sOff = 0
			}
			continue
		}

		copy(dst[di].Base[dst[di].Off+dOff:dst[di].Off+dOff+n], src[si].Base[src[si].Off+sOff:src[si].Off+sOff+n])
		total += n
		dOff += n
		sOff += n

		if dOff == dst[di].Len {
			di++
			dOff = 0
		}
		if sOff == src[si].Len {
			si++
			sOff = 0
		}
	}
	return total
}
