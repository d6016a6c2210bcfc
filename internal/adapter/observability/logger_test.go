package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alephworks/alephauto/internal/config"
)

func TestSetupLoggerLevels(t *testing.T) {
	dev := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "alephauto"})
	if !dev.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("dev logger should emit debug")
	}

	prod := SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "alephauto"})
	if prod.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("prod logger should not emit debug")
	}
	if !prod.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("prod logger should emit info")
	}
}
