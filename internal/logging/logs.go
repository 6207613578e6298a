package logging

import "github.com/rs/zerolog/log"

// Printf-style helpers used at call sites as logs.Infof("pkg.Type.Method key=%q", v).
// They write through zerolog's global logger so Configure decides format and level.

func Tracef(format string, args ...any) {
	log.Trace().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	log.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	log.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	log.Warn().Msgf(format, args...)
}

func Errf(format string, args ...any) {
	log.Error().Msgf(format, args...)
}

// Logf logs unconditionally at the no-level tier; tests use it for narration.
func Logf(format string, args ...any) {
	log.Log().Msgf(format, args...)
}
