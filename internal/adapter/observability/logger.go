package observability

import (
	"log/slog"
	"os"

	"github.com/alephworks/alephauto/internal/config"
)

// SetupLogger builds the process-wide logger. Production emits JSON lines
// carrying service and environment fields; dev switches to the text handler
// at debug level so local pipeline runs stay readable.
func SetupLogger(cfg config.Config) *slog.Logger {
	var h slog.Handler
	if cfg.IsDev() {
		h = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
