package log

import (
	"io"
	"log"
)

var (
	writer = log.Writer()
	flags  = log.Ldate | log.Ltime | log.LUTC | log.Lmsgprefix
)

var (
	Debug   = log.New(io.Discard, "[D] ", flags)
	Info    = log.New(writer, "[I] ", flags)
	Warning = log.New(writer, "[W] ", flags)
	Error   = log.New(writer, "[E] ", flags)
	Fatal   = log.New(writer, "[F] ", flags)
)

// SetDebug toggles output of the Debug logger.
func SetDebug(enabled bool) {
	if enabled {
		Debug.SetOutput(writer)
	} else {
		Debug.SetOutput(io.Discard)
	}
}

// SetOutput redirects every logger, used by the CLI while a progress bar owns the terminal.
func SetOutput(w io.Writer) {
	writer = w
	for _, l := range []*log.Logger{Info, Warning, Error, Fatal} {
		l.SetOutput(w)
	}
	if Debug.Writer() != io.Discard {
		Debug.SetOutput(w)
	}
}
