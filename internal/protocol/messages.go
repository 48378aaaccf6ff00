package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	Device     string `json:"device"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// ListenRequest is the payload of the listen method.
type ListenRequest struct {
	Locale          string `json:"locale"`
	CompleteDelayMS int    `json:"complete_delay_ms,omitempty"`
}

// Reply answers every bridge method call.
type Reply struct {
	Result bool   `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Notification is pushed to the application for every forwarded event.
type Notification struct {
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Locale    string    `json:"locale,omitempty"`
	Available *bool     `json:"available,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"

	MethodActivate = "activate"
	MethodListen   = "listen"
	MethodCancel   = "cancel"
	MethodStop     = "stop"

	NotifyCurrentLocale       = "onCurrentLocale"
	NotifySpeech              = "onSpeech"
	NotifyRecognitionComplete = "onRecognitionComplete"
	NotifyRecognitionStarted  = "onRecognitionStarted"
	NotifySpeechAvailability  = "onSpeechAvailability"
	NotifyError               = "onError"
)

// Subject joins a bridge prefix and a method or notification name.
func Subject(prefix, name string) string {
	return prefix + "." + name
}

// AudioSubject returns the subject carrying frames for a capture device.
func AudioSubject(device string) string {
	return SubjectAudioFramePrefix + "." + device
}
