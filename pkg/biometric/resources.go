package biometric

// Resources looks up localized strings by identifier.
type Resources interface {
	Lookup(id string) (string, bool)
}

// ResourceMap is a static Resources implementation.
type ResourceMap map[string]string

// Lookup returns the string registered for id.
func (m ResourceMap) Lookup(id string) (string, bool) {
	s, ok := m[id]
	return s, ok
}

var resourceIDs = map[Error]string{
	ErrorHardwareNotPresent:   "fingerprint_error_hw_not_present",
	ErrorHardwareUnavailable:  "fingerprint_error_hw_not_available",
	ErrorNoEnrolledBiometrics: "fingerprint_error_no_fingerprints",
	ErrorLockedOut:            "fingerprint_error_lockout",
	ErrorLockedOutPermanent:   "fingerprint_error_lockout_permanent",
	ErrorNoSpace:              "fingerprint_error_no_space",
	ErrorTimeout:              "fingerprint_error_timeout",
	ErrorCanceled:             "fingerprint_error_canceled",
	ErrorUserCanceled:         "fingerprint_error_user_canceled",
	ErrorUnableToProcess:      "fingerprint_error_unable_to_process",
}

// DefaultResources carries the English strings for the errors the platform
// ships text for.
var DefaultResources = ResourceMap{
	"fingerprint_error_hw_not_present":    "Fingerprint hardware not present",
	"fingerprint_error_hw_not_available":  "Fingerprint hardware not available.",
	"fingerprint_error_no_fingerprints":   "No fingerprints enrolled.",
	"fingerprint_error_lockout":           "Too many attempts. Try again later.",
	"fingerprint_error_lockout_permanent": "Too many attempts. Fingerprint sensor disabled.",
	"fingerprint_error_no_space":          "Fingerprint can't be stored. Please remove an existing fingerprint.",
	"fingerprint_error_timeout":           "Fingerprint time out reached. Try again.",
	"fingerprint_error_canceled":          "Fingerprint operation canceled.",
	"fingerprint_error_user_canceled":     "Fingerprint operation canceled by user.",
	"fingerprint_error_unable_to_process": "Try again.",
}

// Describe returns the human readable text for e from res. It reports false
// when no string exists and the caller has to supply its own fallback.
func Describe(res Resources, e Error) (string, bool) {
	if res == nil {
		return "", false
	}
	id, ok := resourceIDs[e]
	if !ok {
		return "", false
	}
	return res.Lookup(id)
}
