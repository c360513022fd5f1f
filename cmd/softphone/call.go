package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/arzzra/sipphone/pkg/call"
	"github.com/arzzra/sipphone/pkg/config"
	"github.com/arzzra/sipphone/pkg/logging"
	"github.com/arzzra/sipphone/pkg/media"
	"github.com/arzzra/sipphone/pkg/metrics"
	"github.com/arzzra/sipphone/pkg/phone"
)

var (
	callDuration  time.Duration
	metricsListen string
	dtmfDigits    string
	toneFrequency float64
)

var callCmd = &cobra.Command{
	Use:   "call <destination>",
	Short: "Позвонить и проигрывать тон до отбоя",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if metricsListen != "" {
			cfg.Metrics.Enabled = true
			cfg.Metrics.Listen = metricsListen
		}

		logger, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.Metrics.Enabled {
			go func() {
				if err := metrics.Serve(ctx, cfg.Metrics.Listen, cfg.Metrics.Path); err != nil {
					logger.WithError(err).Error("сервер метрик остановлен")
				}
			}()
		}

		return runCall(ctx, cmd, cfg, logger, args[0])
	},
}

func init() {
	callCmd.Flags().DurationVarP(&callDuration, "duration", "d", 30*time.Second, "длительность разговора после ответа")
	callCmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "адрес HTTP сервера метрик, например :9090")
	callCmd.Flags().StringVar(&dtmfDigits, "dtmf", "", "DTMF цифры для отправки после ответа")
	callCmd.Flags().Float64Var(&toneFrequency, "tone", 440, "частота тестового тона, Гц")
}

func runCall(ctx context.Context, cmd *cobra.Command, cfg *config.Config, logger *logrus.Logger, destination string) error {
	var received atomic.Uint64
	p, err := phone.New(cfg,
		phone.WithLogger(logger),
		phone.WithAudioHandler(func(_ string, pcm []int16) {
			received.Add(uint64(len(pcm)))
		}),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.WithError(err).Warn("ошибка остановки")
		}
	}()

	if err := p.Start(ctx); err != nil {
		return err
	}

	c, err := p.Call(ctx, destination)
	if err != nil {
		return fmt.Errorf("звонок %s: %w", destination, err)
	}
	cmd.Printf("Звонок %s: %s\n", destination, c.ID())

	toneCtx, stopTone := context.WithCancel(ctx)
	defer stopTone()

	var deadline <-chan time.Time
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				return nil
			}
			printEvent(cmd, ev)
			if ev.CallID != c.ID() || ev.Kind != call.EventStateChanged {
				continue
			}
			switch ev.To {
			case call.StateEstablished:
				deadline = time.After(callDuration)
				go playTone(toneCtx, c, toneFrequency, logger)
				sendDigits(c, dtmfDigits, logger)
			case call.StateTerminated:
				cmd.Printf("Звонок завершен, принято %d отсчетов\n", received.Load())
				return nil
			case call.StateFailed:
				return ev.Err
			}

		case <-deadline:
			stopTone()
			return hangup(c)

		case <-ctx.Done():
			stopTone()
			return hangup(c)
		}
	}
}

func hangup(c *call.Call) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.Hangup(ctx)
	if errors.Is(err, call.ErrInvalidState) {
		return nil
	}
	return err
}

func sendDigits(c *call.Call, digits string, logger *logrus.Logger) {
	if digits == "" {
		return
	}
	parsed, err := media.ParseDTMFString(digits)
	if err != nil {
		logger.WithError(err).Warn("некорректные DTMF цифры")
		return
	}
	for _, digit := range parsed {
		if err := c.SendDTMF(digit); err != nil {
			logger.WithError(err).Warn("не удалось отправить DTMF")
			return
		}
	}
}

func printEvent(cmd *cobra.Command, ev call.Event) {
	switch ev.Kind {
	case call.EventStateChanged:
		if ev.Err != nil {
			cmd.Printf("[%s] %s -> %s: %v\n", ev.Time.Format("15:04:05.000"), ev.From, ev.To, ev.Err)
			return
		}
		cmd.Printf("[%s] %s -> %s\n", ev.Time.Format("15:04:05.000"), ev.From, ev.To)
	case call.EventDTMF:
		cmd.Printf("[%s] DTMF %s (%s)\n", ev.Time.Format("15:04:05.000"), ev.DTMF.Digit, ev.DTMF.Duration)
	default:
		cmd.Printf("[%s] %s\n", ev.Time.Format("15:04:05.000"), ev.Kind)
	}
}
