package audit

// Audit actions, dot-namespaced by area.
const (
	ActionOTPSent          = "auth.otp_sent"
	ActionOTPSendFailed    = "auth.otp_send_failed"
	ActionOTPVerifyFailed  = "auth.otp_verify_failed"
	ActionOTPVerifySuccess = "auth.otp_verify_success"
	ActionSignupCancelled  = "auth.signup_cancelled"

	ActionLoginFailed  = "auth.login_failed"
	ActionLoginSuccess = "auth.login_success"

	ActionResetOTPSent         = "auth.reset_otp_sent"
	ActionResetOTPFailed       = "auth.reset_otp_failed"
	ActionResetOTPVerified     = "auth.reset_otp_verified"
	ActionResetOTPVerifyFailed = "auth.reset_otp_verify_failed"
	ActionPasswordReset        = "auth.password_reset"
	ActionPasswordResetFailed  = "auth.password_reset_failed"

	ActionFlagOpened   = "audit_flag.opened"
	ActionFlagResolved = "audit_flag.resolved"

	ActionProfileUpdated = "user.profile_updated"
)

// FederatedLoginAction returns e.g. "auth.google_login_success".
func FederatedLoginAction(provider string, success bool) string {
	if success {
		return "auth." + provider + "_login_success"
	}
	return "auth." + provider + "_login_failed"
}

// Entity types.
const (
	EntityUser = "user"
	EntityFlag = "audit_flag"
)
