package enums

// LogReason labels a usage or fee audit row.
type LogReason string

const (
	LogReasonActivationGrant LogReason = "activation_grant"
	LogReasonUsageGrant      LogReason = "usage_grant"
	LogReasonDailyFee        LogReason = "daily_fee"
)

// String implements fmt.Stringer.
func (r LogReason) String() string {
	return string(r)
}
