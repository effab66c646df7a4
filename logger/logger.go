// Package logger provides adapters for popular logger libraries to work with btreclaim's Logger interface.
//
// The adapters allow you to use your existing logger with btreclaim without writing boilerplate.
// Note that the standard library's slog.Logger already implements btreclaim.Logger directly.
//
// Example with zap:
//
//	import (
//	    "btreclaim"
//	    "btreclaim/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    idx, err := btreclaim.Open("index.db", btreclaim.WithLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer idx.Close()
//	}
package logger
