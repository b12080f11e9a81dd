package diag

import "fmt"

var dtcLetters = [4]byte{'P', 'C', 'B', 'U'}

// DecodeDTC renders a raw trouble code in the usual five character
// form, P0301 style. The top two bits select the system letter, the
// next two the first digit, the low twelve bits the remaining three
// hex digits.
func DecodeDTC(raw uint16) string {
	return fmt.Sprintf("%c%d%03X", dtcLetters[raw>>14], (raw>>12)&0x3, raw&0x0FFF)
}
