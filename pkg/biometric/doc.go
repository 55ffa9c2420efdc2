// Package biometric defines the backend-agnostic vocabulary of biometric
// authentication: the unified error taxonomy, crypto handles, outcomes, and the
// per-attempt state machine every backend drives.
//
// # Error Taxonomy
//
// Each backend reports failures in its own code space. FromPromptCode,
// FromSensorCode and FromVendorStatus translate those codes into Error. The
// mappings are total: a code without an entry becomes ErrorUnknown (or
// ErrorVendor for vendor ranges), never a failure.
//
//	code := biometric.FromSensorCode(nativeCode)
//	text, ok := biometric.Describe(biometric.DefaultResources, code)
//	if !ok {
//		text = "Authentication error"
//	}
//
// # Attempts
//
// An Attempt moves through Idle, Listening and exactly one of Succeeded,
// Canceled or Errored. Rejected samples (OutcomeFailed) and guidance
// (OutcomeHelp) are delivered while listening and keep the attempt alive.
// Outcomes are handed to the caller's Executor; the package never chooses the
// goroutine a callback runs on.
//
//	signal := biometric.NewCancellationSignal()
//	attempt, err := biometric.NewAttempt(signal, biometric.InlineExecutor{},
//		biometric.CallbackFunc(func(o biometric.Outcome) {
//			fmt.Println(o)
//		}))
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = backend.Start(ctx, attempt, nil)
//
// Calling Cancel on the signal stops the hardware and delivers ErrorCanceled
// once, unless the attempt already finished.
//
// # Crypto Handles
//
// A CryptoHandle references exactly one Signature, Cipher or MAC operation.
// Operations that require user authentication stay locked until a succeeding
// attempt authorizes them with an AuthToken; tokens cannot be minted outside
// this package.
//
// # Errors
//
// Expected runtime conditions (no hardware, no enrollment, lockout, timeout,
// cancellation) are outcomes. Go errors are reserved for configuration mistakes
// such as ErrInvalidCryptoHandle and ErrCryptoUnsupported.
package biometric
