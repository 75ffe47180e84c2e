package auth

import (
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/shamak1/azure-mfa-auth/internal/config"
)

// Credentials is the input of one sign-in run. OTPSecret is optional; when it
// is blank the MFA branch is skipped.
type Credentials struct {
	Username  string
	Password  string
	TargetURL string
	OTPSecret string
}

// CredentialsFromConfig picks the credential fields out of the auth config.
func CredentialsFromConfig(cfg config.AuthConfig) Credentials {
	return Credentials{
		Username:  cfg.Username,
		Password:  cfg.Password,
		TargetURL: cfg.PageURL,
		OTPSecret: cfg.OTPSecret,
	}
}

// Validate checks the required fields in the order the form asks for them.
func (c Credentials) Validate() error {
	switch {
	case strings.TrimSpace(c.Username) == "":
		return &ValidationError{Field: "username"}
	case strings.TrimSpace(c.Password) == "":
		return &ValidationError{Field: "password"}
	case strings.TrimSpace(c.TargetURL) == "":
		return &ValidationError{Field: "target URL"}
	}
	return nil
}

// HasOTPSecret reports whether the MFA branch should be attempted.
func (c Credentials) HasOTPSecret() bool {
	return strings.TrimSpace(c.OTPSecret) != ""
}

// MarshalLogObject logs the credentials without the password or OTP secret.
func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("username", c.Username)
	enc.AddString("target_url", c.TargetURL)
	enc.AddBool("otp", c.HasOTPSecret())
	return nil
}
