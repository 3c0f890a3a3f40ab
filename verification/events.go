package verification

import "github.com/vitwit/payfinder/types"

// Event is a verification report sent by a Verifier. Events are values and
// are never mutated after being sent.
type Event interface {
	MethodID() types.MethodID
}

// ValidDefaultApp reports an installed app matching a web app manifest
// listed in the method's payment method manifest.
type ValidDefaultApp struct {
	Method types.MethodID
	App    *types.CandidateApp
}

// ValidSupportedOrigin reports an origin authorized by the method's
// supported_origins.
type ValidSupportedOrigin struct {
	Method types.MethodID
	Origin string
}

// VerificationFailed reports that the payment method manifest could not be
// downloaded or parsed.
type VerificationFailed struct {
	Method types.MethodID
	Err    error
}

// FinishedVerification is sent once every report of the method has been
// sent.
type FinishedVerification struct {
	Method types.MethodID
}

// FinishedUsingResources is always the last event of a verifier.
type FinishedUsingResources struct {
	Method types.MethodID
}

func (e ValidDefaultApp) MethodID() types.MethodID        { return e.Method }
func (e ValidSupportedOrigin) MethodID() types.MethodID   { return e.Method }
func (e VerificationFailed) MethodID() types.MethodID     { return e.Method }
func (e FinishedVerification) MethodID() types.MethodID   { return e.Method }
func (e FinishedUsingResources) MethodID() types.MethodID { return e.Method }
