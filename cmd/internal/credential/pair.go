package credential

// Pair is the access credential plus its renewal credential.
type Pair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Valid reports whether both credentials are present.
func (p Pair) Valid() bool {
	return p.Access != "" && p.Refresh != ""
}

// IsZero reports whether both credentials are absent.
func (p Pair) IsZero() bool {
	return p.Access == "" && p.Refresh == ""
}

// String never prints token material.
func (p Pair) String() string {
	switch {
	case p.Valid():
		return "credential.Pair{set}"
	case p.IsZero():
		return "credential.Pair{empty}"
	default:
		return "credential.Pair{inconsistent}"
	}
}
