package main

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Core track metadata subtopics and the template flag each one enables.
var coreMetadataTypes = []string{"artist", "album", "title", "genre"}

// Play metadata subtopics published by shairport-sync alongside track info.
var playMetadataTypes = []string{
	"songalbum",
	"volume",
	"client_ip",
	"active_start",
	"active_end",
	"play_start",
	"play_end",
	"play_flush",
	"play_resume",
}

const coverSubtopic = "cover"

// Remote commands accepted by shairport-sync on <topic>/remote.
var remoteCommands = map[string]bool{
	"command":       true,
	"beginff":       true,
	"beginrew":      true,
	"mutetoggle":    true,
	"nextitem":      true,
	"previtem":      true,
	"pause":         true,
	"playpause":     true,
	"play":          true,
	"stop":          true,
	"playresume":    true,
	"shuffle_songs": true,
	"volumedown":    true,
	"volumeup":      true,
}

// TemplateData drives the conditional sections of the main page.
type TemplateData struct {
	ShowPlayer                 bool
	ShowPlayerExtended         bool
	ShowPlayerShuffle          bool
	ShowPlayerSeeking          bool
	ShowPlayerStop             bool
	ShowCanvas                 bool
	ShowUpdateInfo             bool
	ShowCoverArt               bool
	ShowCoverArtRoundedCorners bool
	ShowArtist                 bool
	ShowAlbum                  bool
	ShowTitle                  bool
	ShowGenre                  bool
	Theme                      string
}

// BuildTemplateData turns the webui section into page flags. Player
// sub-options only apply when the player itself is shown, and track metadata
// flags are only set for known core types.
func BuildTemplateData(ui WebUIConfig) TemplateData {
	td := TemplateData{
		ShowCanvas:                 ui.ShowCanvas,
		ShowUpdateInfo:             ui.ShowUpdateInfo,
		ShowCoverArt:               ui.ShowArtwork,
		ShowCoverArtRoundedCorners: ui.ArtworkRoundedCorners,
		Theme:                      ui.Theme,
	}

	if ui.ShowPlayer {
		td.ShowPlayer = true
		td.ShowPlayerExtended = ui.ShowPlayerExtended
		td.ShowPlayerShuffle = ui.ShowPlayerShuffle
		td.ShowPlayerSeeking = ui.ShowPlayerSeeking
		td.ShowPlayerStop = ui.ShowPlayerStop
	}

	if ui.ShowTrackMetadata {
		for _, name := range ui.TrackMetadata {
			switch name {
			case "artist":
				td.ShowArtist = true
			case "album":
				td.ShowAlbum = true
			case "title":
				td.ShowTitle = true
			case "genre":
				td.ShowGenre = true
			}
		}
	}

	return td
}

// UnknownTrackMetadata returns the track_metadata entries that will be ignored.
func UnknownTrackMetadata(ui WebUIConfig) []string {
	var unknown []string
	for _, name := range ui.TrackMetadata {
		known := false
		for _, core := range coreMetadataTypes {
			if name == core {
				known = true
				break
			}
		}
		if !known {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

var (
	jpegMagic = []byte{0xff, 0xd8}
	pngMagic  = []byte("\x89PNG\r\n\x1a\n")
)

// GuessImageMime peeks at the leading bytes of cover art.
func GuessImageMime(b []byte) string {
	switch {
	case bytes.HasPrefix(b, jpegMagic):
		return "image/jpeg"
	case bytes.HasPrefix(b, pngMagic):
		return "image/png"
	default:
		return "image/jpg"
	}
}

// Interpolator returns a linear map from [leftMin,leftMax] onto
// [rightMin,rightMax]. Values outside the left range extrapolate.
func Interpolator(leftMin, leftMax, rightMin, rightMax float64) func(float64) float64 {
	scale := (rightMax - rightMin) / (leftMax - leftMin)
	return func(v float64) float64 {
		return rightMin + (v-leftMin)*scale
	}
}

// AirPlay volume runs from -30.00 (quietest) to 0.00; -144.00 means mute.
var volumeScaler = Interpolator(-30.0, 0, -0.5, 100.0)

const defaultVolumePercent = 50

// ParseVolume converts shairport-sync's
// "airplay_volume,volume,lowest_volume,highest_volume" payload to a 0-100
// percentage.
func ParseVolume(payload []byte) (int, error) {
	fields := strings.Split(strings.TrimSpace(string(payload)), ",")
	if len(fields) != 4 {
		return 0, fmt.Errorf("volume payload %q: want 4 fields, got %d", payload, len(fields))
	}

	airplay, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil || math.IsNaN(airplay) {
		return defaultVolumePercent, nil
	}

	// clamp before converting: int() of an out-of-range float is undefined
	scaled := volumeScaler(airplay)
	switch {
	case scaled < 0:
		return 0, nil
	case scaled > 100:
		return 100, nil
	}
	return int(scaled), nil
}

// RemoteCommand returns the topic and message that ask shairport-sync to
// perform cmd.
func RemoteCommand(topicRoot, cmd string) (string, string, error) {
	if !remoteCommands[cmd] {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	return subtopic(topicRoot, "remote"), cmd, nil
}

func subtopic(root, name string) string {
	return root + "/" + name
}
