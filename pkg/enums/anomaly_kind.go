package enums

// AnomalyKind labels operational anomalies surfaced by the payment core for
// manual reconciliation.
type AnomalyKind string

const (
	// AnomalyUnmatchedCallback marks a gateway callback whose merchant
	// correlation id matches no known attempt.
	AnomalyUnmatchedCallback AnomalyKind = "unmatched_callback"
	// AnomalySuccessAfterCancel marks a success callback that arrived after
	// the payer cancelled the attempt.
	AnomalySuccessAfterCancel AnomalyKind = "success_after_cancel"
	// AnomalyAmountMismatch marks a confirmed amount differing from the
	// attempt amount.
	AnomalyAmountMismatch AnomalyKind = "amount_mismatch"
)

// String implements fmt.Stringer.
func (a AnomalyKind) String() string {
	return string(a)
}
