package biometric

import "errors"

// Error is the unified authentication error code. Every backend translates its
// native codes into this set; callers branch on it to drive recovery.
type Error int

const (
	ErrorUnknown Error = iota
	ErrorHardwareNotPresent
	ErrorHardwareUnavailable
	ErrorNoEnrolledBiometrics
	ErrorLockedOut
	ErrorLockedOutPermanent
	ErrorNoSpace
	ErrorTimeout
	ErrorCanceled
	ErrorUserCanceled
	ErrorUnableToProcess
	ErrorVendor
	ErrorNoKeyguard
)

var errorNames = map[Error]string{
	ErrorUnknown:              "unknown",
	ErrorHardwareNotPresent:   "hardware_not_present",
	ErrorHardwareUnavailable:  "hardware_unavailable",
	ErrorNoEnrolledBiometrics: "no_enrolled_biometrics",
	ErrorLockedOut:            "locked_out",
	ErrorLockedOutPermanent:   "locked_out_permanent",
	ErrorNoSpace:              "no_space",
	ErrorTimeout:              "timeout",
	ErrorCanceled:             "canceled",
	ErrorUserCanceled:         "user_canceled",
	ErrorUnableToProcess:      "unable_to_process",
	ErrorVendor:               "vendor",
	ErrorNoKeyguard:           "no_keyguard",
}

// String returns a stable identifier for the error code.
func (e Error) String() string {
	if name, ok := errorNames[e]; ok {
		return name
	}
	return errorNames[ErrorUnknown]
}

// IsCancellation reports whether the code represents a canceled attempt.
func (e Error) IsCancellation() bool {
	return e == ErrorCanceled || e == ErrorUserCanceled
}

// Unified prompt error codes as reported by the platform prompt.
const (
	PromptErrorHardwareUnavailable = 1
	PromptErrorUnableToProcess     = 2
	PromptErrorTimeout             = 3
	PromptErrorNoSpace             = 4
	PromptErrorCanceled            = 5
	PromptErrorUnableToRemove      = 6
	PromptErrorLockout             = 7
	PromptErrorVendor              = 8
	PromptErrorLockoutPermanent    = 9
	PromptErrorUserCanceled        = 10
	PromptErrorNoBiometrics        = 11
	PromptErrorHardwareNotPresent  = 12
	PromptErrorVendorBase          = 1000
)

// Legacy fingerprint sensor error codes.
const (
	SensorErrorHardwareUnavailable = 1
	SensorErrorUnableToProcess     = 2
	SensorErrorTimeout             = 3
	SensorErrorNoSpace             = 4
	SensorErrorCanceled            = 5
	SensorErrorUnableToRemove      = 6
	SensorErrorLockout             = 7
	SensorErrorVendor              = 8
	SensorErrorLockoutPermanent    = 9
	SensorErrorUserCanceled        = 10
	SensorErrorNoFingerprints      = 11
	SensorErrorHardwareNotPresent  = 12
	SensorErrorVendorBase          = 1000
)

// Vendor SDK identify statuses.
const (
	VendorStatusSuccess                = 0
	VendorStatusTimeout                = 4
	VendorStatusSensorFailed           = 7
	VendorStatusUserCanceled           = 8
	VendorStatusButtonPressed          = 9
	VendorStatusQualityFailed          = 12
	VendorStatusCanceledByTouchOutside = 13
	VendorStatusFailed                 = 16
	VendorStatusOperationDenied        = 51
	VendorStatusPasswordSuccess        = 100
)

var promptCodes = map[int]Error{
	PromptErrorHardwareUnavailable: ErrorHardwareUnavailable,
	PromptErrorUnableToProcess:     ErrorUnableToProcess,
	PromptErrorTimeout:             ErrorTimeout,
	PromptErrorNoSpace:             ErrorNoSpace,
	PromptErrorCanceled:            ErrorCanceled,
	PromptErrorLockout:             ErrorLockedOut,
	PromptErrorVendor:              ErrorVendor,
	PromptErrorLockoutPermanent:    ErrorLockedOutPermanent,
	PromptErrorUserCanceled:        ErrorUserCanceled,
	PromptErrorNoBiometrics:        ErrorNoEnrolledBiometrics,
	PromptErrorHardwareNotPresent:  ErrorHardwareNotPresent,
}

var sensorCodes = map[int]Error{
	SensorErrorHardwareUnavailable: ErrorHardwareUnavailable,
	SensorErrorUnableToProcess:     ErrorUnableToProcess,
	SensorErrorTimeout:             ErrorTimeout,
	SensorErrorNoSpace:             ErrorNoSpace,
	SensorErrorCanceled:            ErrorCanceled,
	SensorErrorLockout:             ErrorLockedOut,
	SensorErrorVendor:              ErrorVendor,
	SensorErrorLockoutPermanent:    ErrorLockedOutPermanent,
	SensorErrorUserCanceled:        ErrorUserCanceled,
	SensorErrorNoFingerprints:      ErrorNoEnrolledBiometrics,
	SensorErrorHardwareNotPresent:  ErrorHardwareNotPresent,
}

var vendorStatuses = map[int]Error{
	VendorStatusTimeout:                ErrorTimeout,
	VendorStatusUserCanceled:           ErrorUserCanceled,
	VendorStatusButtonPressed:          ErrorUserCanceled,
	VendorStatusCanceledByTouchOutside: ErrorUserCanceled,
}

// FromPromptCode translates a unified prompt error code. Codes in the vendor
// range map to ErrorVendor; anything else unmapped is ErrorUnknown.
func FromPromptCode(code int) Error {
	if e, ok := promptCodes[code]; ok {
		return e
	}
	if code >= PromptErrorVendorBase {
		return ErrorVendor
	}
	return ErrorUnknown
}

// FromSensorCode translates a legacy fingerprint sensor error code.
func FromSensorCode(code int) Error {
	if e, ok := sensorCodes[code]; ok {
		return e
	}
	if code >= SensorErrorVendorBase {
		return ErrorVendor
	}
	return ErrorUnknown
}

// FromVendorStatus translates a terminal vendor SDK status that is neither a
// success nor a rejected sample.
func FromVendorStatus(status int) Error {
	if e, ok := vendorStatuses[status]; ok {
		return e
	}
	return ErrorVendor
}

// Configuration errors. These are programmer errors and are never retried.
var (
	// ErrInvalidCryptoHandle indicates a crypto handle without exactly one operation.
	ErrInvalidCryptoHandle = errors.New("biometric: crypto handle must reference exactly one operation")
	// ErrCryptoUnsupported indicates the backend cannot bind authentication to a crypto operation.
	ErrCryptoUnsupported = errors.New("biometric: backend cannot perform crypto-bound authentication")
	// ErrNilCallback indicates an attempt was started without a callback.
	ErrNilCallback = errors.New("biometric: callback must not be nil")
	// ErrNilExecutor indicates an attempt was started without an executor.
	ErrNilExecutor = errors.New("biometric: executor must not be nil")
	// ErrNilSignal indicates an attempt was started without a cancellation signal.
	ErrNilSignal = errors.New("biometric: cancellation signal must not be nil")
	// ErrNotAuthorized indicates a crypto operation was used before a successful authentication.
	ErrNotAuthorized = errors.New("biometric: operation requires successful authentication")
	// ErrExecutorClosed indicates work was submitted to a closed executor.
	ErrExecutorClosed = errors.New("biometric: executor closed")
)
