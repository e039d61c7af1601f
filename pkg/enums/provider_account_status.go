package enums

import "fmt"

// ProviderAccountStatus controls whether an account participates in selection.
type ProviderAccountStatus string

const (
	ProviderAccountStatusActive   ProviderAccountStatus = "active"
	ProviderAccountStatusInactive ProviderAccountStatus = "inactive"
)

var validProviderAccountStatuses = []ProviderAccountStatus{
	ProviderAccountStatusActive,
	ProviderAccountStatusInactive,
}

// String implements fmt.Stringer.
func (s ProviderAccountStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known ProviderAccountStatus.
func (s ProviderAccountStatus) IsValid() bool {
	for _, candidate := range validProviderAccountStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseProviderAccountStatus converts raw input into a ProviderAccountStatus.
func ParseProviderAccountStatus(value string) (ProviderAccountStatus, error) {
	for _, candidate := range validProviderAccountStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid provider account status %q", value)
}
