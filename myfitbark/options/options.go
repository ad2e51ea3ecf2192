package options

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/asnowfix/myfitbark/internal/global"
)

const COMMAND_DEFAULT_TIMEOUT time.Duration = 0 // No timeout by default (wait indefinitely)

const MQTT_DEFAULT_TIMEOUT time.Duration = 14 * time.Second

var Flags struct {
	Config      string
	Verbose     bool
	Debug       bool
	Quiet       bool
	Json        bool
	Wait        time.Duration // the value taken by --wait / -w
	MqttTimeout time.Duration // the value taken by --mqtt-timeout / -T
}

func CommandLineContext(ctx context.Context, version string) context.Context {
	var cancel context.CancelFunc

	// Create the process-wide context that background services can use
	processCtx, processCancel := context.WithCancel(ctx)

	if Flags.Wait > 0 {
		ctx, cancel = context.WithTimeout(processCtx, Flags.Wait)
	} else {
		ctx, cancel = context.WithCancel(processCtx)
	}
	ctx = context.WithValue(ctx, global.CancelKey, cancel)
	ctx = context.WithValue(ctx, global.ProcessContextKey, processCtx)
	ctx = context.WithValue(ctx, global.VersionKey, version)

	go func() {
		log := logr.FromContextOrDiscard(ctx)
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt)
		signal.Notify(signals, syscall.SIGTERM)
		select {
		case <-signals:
			log.Info("Received signal")
		case <-processCtx.Done():
		}
		// Cancel both the operation context and the process context
		cancel()
		processCancel()
	}()
	return ctx
}

func PrintResult(out any) error {
	if Flags.Json {
		s, err := json.Marshal(out)
		if err != nil {
			return err
		}
		fmt.Println(string(s))
	} else {
		s, err := yaml.Marshal(out)
		if err != nil {
			return err
		}
		fmt.Print(string(s))
	}
	return nil
}
