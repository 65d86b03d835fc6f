package runner

import "bytes"

// ConvertEOL rewrites every '\n' that is not already preceded by '\r' into "\r\n".
// Only the given chunk is considered, a '\r' ending the previous chunk is not remembered.
func ConvertEOL(b []byte) []byte {
	n := bytes.Count(b, []byte{'\n'})
	if n == 0 {
		return b
	}
	out := make([]byte, 0, len(b)+n)
	for i, c := range b {
		if c == '\n' && (i == 0 || b[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}
