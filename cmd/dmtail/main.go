// Command dmtail prints domain events (message.created, presence.changed,
// typing) published by dmserver instances on the NATS event bus.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper/directchat/internal/logger"
	"github.com/whisper/directchat/internal/messaging"
)

func main() {
	subject := flag.String("subject", messaging.SubjectAll, "subject to tail, e.g. dm.message.> or dm.presence.>")
	flag.Parse()

	logger.Init(os.Getenv("LOG_LEVEL"))
	log := logger.Module("dmtail")

	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "dmtail"

	bus, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer bus.Close()

	err = bus.SubscribeEvents(*subject, func(ev messaging.Event) {
		entry := log.Info().
			Str("type", ev.Type).
			Str("server", ev.Server).
			Time("at", ev.At)
		if ev.ChatID != "" {
			entry = entry.Str("chat", ev.ChatID)
		}
		if ev.UserID != "" {
			entry = entry.Str("user", ev.UserID)
		}
		if ev.Online != nil {
			entry = entry.Bool("online", *ev.Online)
		}
		if ev.IsTyping != nil {
			entry = entry.Bool("typing", *ev.IsTyping)
		}
		if ev.Message != nil {
			entry = entry.Str("message", ev.Message.ID).Str("text", ev.Message.Text)
		}
		entry.Msg("event")
	})
	if err != nil {
		log.Fatal().Err(err).Str("subject", *subject).Msg("subscribe failed")
	}
	log.Info().Str("subject", *subject).Msg("tailing events")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")
	if err := bus.Unsubscribe(*subject); err != nil {
		log.Warn().Err(err).Str("subject", *subject).Msg("unsubscribe failed")
	}
}
