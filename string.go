package fit

import "bytes"

// StringSpliceTag Splits the splice string with the specified symbol
func StringSpliceTag(tag string, str ...string) string {
	var buf bytes.Buffer
	for i, v := range str {
		if len(str) == i+1 {
			buf.WriteString(v)
		} else {
			buf.WriteString(v + tag)
		}
	}
	return buf.String()
}
