package cmd

import (
	"context"
	"fmt"

	"giglink/discovery"
	"giglink/realtime"
)

// startBackendMonitor keeps browsing the LAN while a session is live. Backends
// joining or leaving are reported, and a dropped socket triggers an immediate
// re-scan so a withdrawn backend shows up without waiting for the next round.
func startBackendMonitor(ctx context.Context, a *app, channel *realtime.Channel, report func(string)) (func(), error) {
	scanner, err := discovery.NewScanner(discovery.Config{})
	if err != nil {
		return nil, err
	}
	scanner.Start()

	unsubscribe := channel.Subscribe(func(event realtime.Event) {
		if _, ok := event.(realtime.Disconnected); !ok {
			return
		}
		go func() {
			if err := scanner.Refresh(ctx); err != nil {
				a.logger.Debug().Err(err).Msg("backend re-scan failed")
				return
			}
			a.logger.Info().Int("backends", len(scanner.Backends())).Msg("backend re-scan finished")
		}()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range scanner.Events() {
			if msg := backendEventMessage(event, a.apiURL); msg != "" {
				report(msg)
			}
		}
	}()

	return func() {
		unsubscribe()
		scanner.Stop()
		<-done
	}, nil
}

// backendEventMessage describes a discovery event relative to the backend in
// use. Re-announcements of the active backend are not worth reporting.
func backendEventMessage(event discovery.Event, activeAPIURL string) string {
	active := event.Backend.APIURL() == activeAPIURL
	switch event.Type {
	case discovery.EventBackendUpserted:
		if active {
			return ""
		}
		return fmt.Sprintf("backend %s available at %s", event.Backend.Instance, event.Backend.APIURL())
	case discovery.EventBackendRemoved:
		if active {
			return fmt.Sprintf("backend in use (%s) left the network", event.Backend.Instance)
		}
		return fmt.Sprintf("backend %s left the network", event.Backend.Instance)
	default:
		return ""
	}
}
