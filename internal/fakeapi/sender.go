package fakeapi

import "github.com/rs/zerolog"

// CodeSender delivers password reset codes. Applications plug in an SMS
// gateway; the default only logs.
type CodeSender interface {
	SendResetCode(phoneNumber, code string) error
}

// LogCodeSender is a development implementation that logs codes.
type LogCodeSender struct {
	Logger zerolog.Logger
}

func (l *LogCodeSender) SendResetCode(phoneNumber, code string) error {
	l.Logger.Info().Str("to", phoneNumber).Str("code", code).Msg("SMS: password reset code")
	return nil
}

// WithCodeSender sets where reset codes are delivered.
func WithCodeSender(cs CodeSender) Option {
	return func(s *Server) {
		s.sender = cs
	}
}
