package console

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewTranscript returns a logger appending JSON lines to pth.
// Every console line is kept; sampling is disabled.
func NewTranscript(pth string, verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{pth}
	config.ErrorOutputPaths = []string{"stderr"}
	config.Sampling = nil
	config.DisableStacktrace = true
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	return config.Build()
}
