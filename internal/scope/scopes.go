package scope

// Scope names. Keep these stable; they are part of the token contract with
// the platform IdP.
const (
	// Volgindicaties covers subscription management (create, read, end).
	Volgindicaties = "benk-brp-volgindicaties-api"
	// FeedIngest covers pushing mutation events over HTTP.
	FeedIngest = "benk-brp-kennisgevingen-feed"
	// AuditRead covers querying the audit trail.
	AuditRead = "benk-brp-kennisgevingen-audit"
)

// Has reports whether granted contains s.
func Has(granted []string, s string) bool {
	for _, g := range granted {
		if g == s {
			return true
		}
	}
	return false
}

// HasAll reports whether granted is a superset of needed.
func HasAll(granted, needed []string) bool {
	for _, n := range needed {
		if !Has(granted, n) {
			return false
		}
	}
	return true
}
