package index

// NaturalLess compares two paths so that embedded numbers order by value
// rather than digit-by-digit: "img9.png" sorts before "img10.png". Equal
// numeric values with different zero padding order shorter-run first.
func NaturalLess(a, b string) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			// Walk both digit runs, comparing by numeric value.
			zi, zj := i, j
			for i < len(a) && a[i] == '0' {
				i++
			}
			for j < len(b) && b[j] == '0' {
				j++
			}
			vi, vj := i, j
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			for j < len(b) && isDigit(b[j]) {
				j++
			}
			va, vb := a[vi:i], b[vj:j]
			if len(va) != len(vb) {
				return len(va) < len(vb)
			}
			if va != vb {
				return va < vb
			}
			// Same value: fewer leading zeros sorts first.
			if i-zi != j-zj {
				return i-zi < j-zj
			}
			continue
		}
		if ca != cb {
			return ca < cb
		}
		i++
		j++
	}
	return len(a)-i < len(b)-j
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
