package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

// OTPPurpose distinguishes sign-up codes from sign-in codes in the email copy.
type OTPPurpose string

const (
	PurposeRegister OTPPurpose = "register"
	PurposeLogin    OTPPurpose = "login"
)

const otpText = `{{ .Greeting }}

Your one-time passcode is: {{ .Code }}

It expires in {{ .Minutes }} minutes. If you did not request this code you can ignore this email.
`

const otpHTML = `<!doctype html>
<html>
  <body style="font-family: sans-serif">
    <p>{{ .Greeting }}</p>
    <p>Your one-time passcode is:</p>
    <p style="font-size: 24px; letter-spacing: 4px"><strong>{{ .Code }}</strong></p>
    <p>It expires in {{ .Minutes }} minutes. If you did not request this code you can ignore this email.</p>
  </body>
</html>
`

var (
	otpTextTemplate = texttemplate.Must(texttemplate.New("otp.txt").Parse(otpText))
	otpHTMLTemplate = htmltemplate.Must(htmltemplate.New("otp.html").Parse(otpHTML))
)

type otpView struct {
	Greeting string
	Code     string
	Minutes  int
}

// OTPMessage renders the passcode email for the given recipient.
func OTPMessage(to string, purpose OTPPurpose, code string, ttl time.Duration) (Message, error) {
	view := otpView{
		Code:    code,
		Minutes: int(ttl.Round(time.Minute) / time.Minute),
	}

	subject := "Your sign-in code"
	view.Greeting = "Use the code below to finish signing in."
	if purpose == PurposeRegister {
		subject = "Verify your new account"
		view.Greeting = "Welcome! Use the code below to verify your email address."
	}

	var text, html bytes.Buffer
	if err := otpTextTemplate.Execute(&text, view); err != nil {
		return Message{}, fmt.Errorf("mail: render otp text: %w", err)
	}
	if err := otpHTMLTemplate.Execute(&html, view); err != nil {
		return Message{}, fmt.Errorf("mail: render otp html: %w", err)
	}

	return Message{
		To:       []string{strings.TrimSpace(to)},
		Subject:  subject,
		Body:     text.String(),
		HTMLBody: html.String(),
	}, nil
}
