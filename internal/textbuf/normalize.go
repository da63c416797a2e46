package textbuf

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Form is the Unicode normalization policy a buffer stores text in.
type Form int

const (
	// FormNone stores text exactly as received.
	FormNone Form = iota
	FormNFC
	FormNFD
	FormNFKC
	FormNFKD
)

// ParseForm parses a form name such as "NFD" or "none".
func ParseForm(s string) (Form, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return FormNone, nil
	case "NFC":
		return FormNFC, nil
	case "NFD":
		return FormNFD, nil
	case "NFKC":
		return FormNFKC, nil
	case "NFKD":
		return FormNFKD, nil
	default:
		return FormNone, fmt.Errorf("unknown normalization form: %q", s)
	}
}

func (f Form) String() string {
	switch f {
	case FormNFC:
		return "NFC"
	case FormNFD:
		return "NFD"
	case FormNFKC:
		return "NFKC"
	case FormNFKD:
		return "NFKD"
	default:
		return "none"
	}
}

// Apply normalizes s into the form.
func (f Form) Apply(s string) string {
	switch f {
	case FormNFC:
		return norm.NFC.String(s)
	case FormNFD:
		return norm.NFD.String(s)
	case FormNFKC:
		return norm.NFKC.String(s)
	case FormNFKD:
		return norm.NFKD.String(s)
	default:
		return s
	}
}
