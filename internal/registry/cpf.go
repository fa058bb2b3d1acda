package registry

// NormalizeCPF strips every non-digit character from a CPF, so both
// "123.456.789-00" and "12345678900" key the same record.
func NormalizeCPF(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// ValidCPF runs the standard mod-11 check-digit validation over a CPF.
// Accepts formatted or bare input.
func ValidCPF(s string) bool {
	cpf := NormalizeCPF(s)
	if len(cpf) != 11 {
		return false
	}
	// Sequences like 00000000000 pass the checksum but are not issued.
	same := true
	for i := 1; i < 11; i++ {
		if cpf[i] != cpf[0] {
			same = false
			break
		}
	}
	if same {
		return false
	}
	if digit(cpf, 9) != checkDigit(cpf, 9) {
		return false
	}
	return digit(cpf, 10) == checkDigit(cpf, 10)
}

func digit(cpf string, pos int) int {
	return int(cpf[pos] - '0')
}

func checkDigit(cpf string, length int) int {
	sum := 0
	for i := 0; i < length; i++ {
		sum += digit(cpf, i) * (length + 1 - i)
	}
	rest := (sum * 10) % 11
	if rest == 10 {
		return 0
	}
	return rest
}
