package effects

import (
	"log/slog"
)

// Console writes _console messages to the logger.
type Console struct {
	Logger *slog.Logger
}

func (c Console) Log(message string) {
	logger(c.Logger).Info("console", "message", message)
}

// Alerter writes _alert messages to the logger.
type Alerter struct {
	Logger *slog.Logger
}

func (a Alerter) Alert(message string) {
	logger(a.Logger).Warn("alert", "message", message)
}

// Opener records external navigation. OnOpen, when set, is called with the
// target URL after logging.
type Opener struct {
	Logger *slog.Logger
	OnOpen func(url string) error
}

func (o Opener) Open(url string) error {
	logger(o.Logger).Info("navigating to external url", "url", url)
	if o.OnOpen != nil {
		return o.OnOpen(url)
	}
	return nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
