package certparse

// ValidateOIB checks a Croatian personal/company tax number (OIB): exactly
// 11 digits where the 11th is an ISO 7064 MOD 11,10 check digit over the
// first ten.
func ValidateOIB(oib string) bool {
	if len(oib) != 11 {
		return false
	}
	for _, r := range oib {
		if r < '0' || r > '9' {
			return false
		}
	}

	s := 10
	for i := 0; i < 10; i++ {
		s = (int(oib[i]-'0') + s) % 10
		if s == 0 {
			s = 10
		}
		s = (s * 2) % 11
	}
	check := 11 - s
	if check == 10 {
		check = 0
	}

	return check == int(oib[10]-'0')
}
