package person

// BSN handling. A burgerservicenummer is the citizen number used as person
// reference throughout the register. It is nine digits and must satisfy the
// eleven test: sum(digit[i] * (9-i)) for the first eight digits, modulo 11,
// must equal the final digit. Leading zeroes are significant.
//
// NOTE: the rest of the engine treats person references as opaque strings;
// only the intake and subscription boundaries validate them.

const bsnLength = 9

// ValidBSN reports whether s is a well-formed burgerservicenummer.
func ValidBSN(s string) bool {
	if len(s) != bsnLength {
		return false
	}
	total := 0
	for i := 0; i < bsnLength; i++ {
		d := s[i] - '0'
		if d > 9 {
			return false
		}
		if i < bsnLength-1 {
			total += int(d) * (bsnLength - i)
		}
	}
	return total%11 == int(s[bsnLength-1]-'0')
}
