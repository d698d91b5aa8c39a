package scheduling

import "time"

// MinCancellationNotice is how far ahead of the slot start a client must
// cancel.
const MinCancellationNotice = 24 * time.Hour

// Admit reports whether a cancellation requested at now is allowed.
// Administrators are never bound by the notice period.
func Admit(now, slotStart time.Time, role Role) bool {
	if role == RoleAdministrator {
		return true
	}
	return slotStart.Sub(now) >= MinCancellationNotice
}
