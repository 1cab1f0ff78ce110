// Package approval marks the run of a business date that downstream reporting
// consumes.
//
// At most one run per date is approved. Approving a run clears every other
// approval of its date inside the same transaction, after row locks on all
// records of that date were taken, so two concurrent approvals of one date
// serialize. Every change appends one audit event in that transaction.
package approval
