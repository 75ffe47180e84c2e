package auth

import "github.com/shamak1/azure-mfa-auth/internal/config"

// Selectors are the CSS selectors of the sign-in form controls.
type Selectors struct {
	Email          string
	Next           string
	Password       string
	Submit         string
	OtherWay       string
	OTPOption      string
	OTPInput       string
	OTPSubmit      string
	StaySignedInOK string
}

// DefaultSelectors matches login.microsoftonline.com.
func DefaultSelectors() Selectors {
	return Selectors{
		Email:          `input[type="email"]`,
		Next:           `input[type="submit"]`,
		Password:       `input[type="password"]`,
		Submit:         `input[type="submit"]`,
		OtherWay:       `#signInAnotherWay`,
		OTPOption:      `div[data-value="PhoneAppOTP"]`,
		OTPInput:       `input[name="otc"]`,
		OTPSubmit:      `input[type="submit"]`,
		StaySignedInOK: `input[type="submit"][value="Yes"]`,
	}
}

// SelectorsFromConfig overlays the configured selectors on the defaults.
func SelectorsFromConfig(cfg config.SelectorsConfig) Selectors {
	return Selectors{
		Email:          cfg.Email,
		Next:           cfg.Next,
		Password:       cfg.Password,
		Submit:         cfg.Submit,
		OtherWay:       cfg.OtherWay,
		OTPOption:      cfg.OTPOption,
		OTPInput:       cfg.OTPInput,
		OTPSubmit:      cfg.OTPSubmit,
		StaySignedInOK: cfg.StaySignedInOK,
	}.withDefaults()
}

// withDefaults fills every empty selector with its default.
func (s Selectors) withDefaults() Selectors {
	def := DefaultSelectors()
	override := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	override(&s.Email, def.Email)
	override(&s.Next, def.Next)
	override(&s.Password, def.Password)
	override(&s.Submit, def.Submit)
	override(&s.OtherWay, def.OtherWay)
	override(&s.OTPOption, def.OTPOption)
	override(&s.OTPInput, def.OTPInput)
	override(&s.OTPSubmit, def.OTPSubmit)
	override(&s.StaySignedInOK, def.StaySignedInOK)
	return s
}
