package storepath

// base32Chars omits e, o, u and t to avoid accidental words in hash parts.
const base32Chars = "0123456789abcdfghijklmnpqrsvwxyz"

// EncodeBase32 encodes b in the store's base32 dialect, least significant
// bits first.
func EncodeBase32(b []byte) string {
	n := (len(b)*8-1)/5 + 1
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		bit := i * 5
		idx := bit / 8
		shift := uint(bit % 8)
		c := b[idx] >> shift
		if idx+1 < len(b) {
			c |= b[idx+1] << (8 - shift)
		}
		out[n-1-i] = base32Chars[c&0x1f]
	}
	return string(out)
}
