// Package stream provisions JetStream streams for durable channels.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// Name converts a channel subject into a valid stream name. Stream
// names cannot contain dots.
func Name(channel string) string {
	return strings.ReplaceAll(channel, ".", "-")
}

// Ensure makes sure a stream with the given name covers the given
// subjects. Creation is tried first; if the stream already exists it is
// updated in place, and if the subjects are already claimed by a
// differently-named stream, that owning stream is updated to cover the
// union. Idempotent by construction.
func Ensure(js nats.JetStreamManager, name string, subjects []string) error {
	cfg := &nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}

	if _, err := js.AddStream(cfg); err == nil {
		return nil
	} else if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		if _, err := js.UpdateStream(cfg); err == nil {
			return nil
		}
	}

	// The subjects may overlap a stream created under another name.
	// Find the owner and widen it instead of fighting over ownership.
	for _, subject := range subjects {
		owner, err := js.StreamNameBySubject(subject)
		if err != nil {
			continue
		}
		info, err := js.StreamInfo(owner)
		if err != nil {
			continue
		}
		merged := mergeSubjects(info.Config.Subjects, subjects)
		if len(merged) == len(info.Config.Subjects) {
			return nil
		}
		info.Config.Subjects = merged
		if _, err := js.UpdateStream(&info.Config); err != nil {
			return fmt.Errorf("widen stream %s: %w", owner, err)
		}
		slog.Info("widened existing stream", "stream", owner, "subjects", merged)
		return nil
	}

	return fmt.Errorf("ensure stream %s: no owning stream found for %v", name, subjects)
}

func mergeSubjects(existing, wanted []string) []string {
	seen := make(map[string]bool, len(existing))
	merged := append([]string(nil), existing...)
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range wanted {
		if !seen[s] {
			merged = append(merged, s)
			seen[s] = true
		}
	}
	return merged
}

// EnsureChannel provisions the durable stream backing one channel
// subject: the subject itself plus everything beneath it.
func EnsureChannel(js nats.JetStreamManager, channel string) error {
	return Ensure(js, Name(channel), []string{channel, channel + ".>"})
}
