package main

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Relay turns shairport-sync MQTT messages into browser events and sends
// browser remote-control requests back to the broker.
type Relay struct {
	root      string
	showCover bool
	saved     *SavedInfo
	emitter   Emitter
	publisher Publisher
	logger    *zap.Logger
	metrics   *Metrics

	defaultCover CoverPayload
}

type RelayOptions struct {
	TopicRoot string
	ShowCover bool

	// DefaultCover is sent when shairport-sync publishes an empty cover,
	// which it does when a track has no artwork.
	DefaultCover     []byte
	DefaultCoverMime string

	Saved     *SavedInfo
	Emitter   Emitter
	Publisher Publisher
	Logger    *zap.Logger
	Metrics   *Metrics
}

func NewRelay(opts RelayOptions) *Relay {
	if opts.Saved == nil {
		opts.Saved = NewSavedInfo()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultCoverMime == "" {
		opts.DefaultCoverMime = "image/png"
	}
	return &Relay{
		root:      opts.TopicRoot,
		showCover: opts.ShowCover,
		saved:     opts.Saved,
		emitter:   opts.Emitter,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		defaultCover: CoverPayload{
			Data:     base64.StdEncoding.EncodeToString(opts.DefaultCover),
			MimeType: opts.DefaultCoverMime,
		},
	}
}

// Subtopics lists the metadata subtopics to subscribe to. Cover art is only
// requested when the page shows it.
func (r *Relay) Subtopics() []string {
	subs := make([]string, 0, len(coreMetadataTypes)+len(playMetadataTypes)+1)
	subs = append(subs, coreMetadataTypes...)
	subs = append(subs, playMetadataTypes...)
	if r.showCover {
		subs = append(subs, coverSubtopic)
	}
	return subs
}

// Topics returns Subtopics joined onto the topic root.
func (r *Relay) Topics() []string {
	subs := r.Subtopics()
	topics := make([]string, len(subs))
	for i, s := range subs {
		topics[i] = subtopic(r.root, s)
	}
	return topics
}

// HandleMessage dispatches one MQTT message. Messages outside the topic root
// or on subtopics with no browser event are ignored.
func (r *Relay) HandleMessage(topic string, payload []byte) {
	name, ok := strings.CutPrefix(topic, r.root+"/")
	if !ok {
		r.logger.Debug("Ignoring message outside topic root", zap.String("topic", topic))
		return
	}

	if name != coverSubtopic {
		r.logger.Debug("MQTT message", zap.String("topic", topic), zap.ByteString("payload", payload))
	}
	r.metrics.messageReceived(name)

	switch name {
	case "artist", "album", "genre", "title", "songalbum":
		r.sendAndStore("playing_"+name, TextPayload{Data: decodeText(payload)})
	case "client_ip":
		r.sendAndStore("client_ip", TextPayload{Data: decodeText(payload)})
	case "play_start", "play_end", "play_flush", "play_resume", "active_start", "active_end":
		r.logger.Info("Play state", zap.String("event", name))
		r.emit(Event{Name: name, Data: name})
	case "volume":
		percent, err := ParseVolume(payload)
		if err != nil {
			r.logger.Warn("Dropping volume message", zap.Error(&OpError{
				Op:   "relay.volume",
				Kind: KindPayload,
				Path: topic,
				Err:  err,
			}))
			return
		}
		r.emit(Event{Name: "volume", Data: VolumePayload{Data: percent}})
	case coverSubtopic:
		r.sendAndStore("cover_art", r.coverPayload(payload))
	default:
		r.logger.Debug("No event for subtopic", zap.String("subtopic", name))
	}
}

func (r *Relay) coverPayload(payload []byte) CoverPayload {
	if len(payload) == 0 {
		return r.defaultCover
	}
	return CoverPayload{
		Data:     base64.StdEncoding.EncodeToString(payload),
		MimeType: GuessImageMime(payload),
	}
}

func (r *Relay) sendAndStore(event string, data any) {
	r.saved.Put(event, data)
	r.emit(Event{Name: event, Data: data})
}

func (r *Relay) emit(ev Event) {
	r.metrics.eventEmitted(ev.Name)
	if r.emitter != nil {
		r.emitter.Broadcast(ev)
	}
}

// Replay resends every saved now-playing event through send.
func (r *Relay) Replay(send func(Event)) {
	for _, ev := range r.saved.Snapshot() {
		r.logger.Debug("Replaying", zap.String("event", ev.Name))
		send(ev)
	}
}

// Remote publishes a remote-control command for shairport-sync.
func (r *Relay) Remote(cmd string) error {
	topic, msg, err := RemoteCommand(r.root, cmd)
	if err != nil {
		return err
	}
	if r.publisher == nil {
		return ErrNotConnected
	}
	if cmd == "stop" {
		r.logger.Warn("Remote stop cannot be resumed")
	}
	r.logger.Info("Remote command", zap.String("command", cmd), zap.String("topic", topic))
	if err := r.publisher.Publish(topic, msg); err != nil {
		return &OpError{Op: "relay.remote", Kind: KindBroker, Path: topic, Err: err}
	}
	r.metrics.remoteSent(cmd)
	return nil
}

// Saved exposes the cached now-playing state.
func (r *Relay) Saved() *SavedInfo {
	return r.saved
}

func decodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
