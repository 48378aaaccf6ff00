package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-speech/internal/audio"
)

// WebSocketRecognizer streams PCM to a Deepgram-compatible listen endpoint
// and maps its Results messages to partial and final results.
type WebSocketRecognizer struct {
	endpoint string
	apiKey   string
	model    string
}

// WebSocketOption configures a WebSocketRecognizer.
type WebSocketOption func(*WebSocketRecognizer)

// WithAPIKey sets the token sent in the Authorization header.
func WithAPIKey(key string) WebSocketOption {
	return func(r *WebSocketRecognizer) { r.apiKey = key }
}

// WithModel selects the server-side model.
func WithModel(model string) WebSocketOption {
	return func(r *WebSocketRecognizer) { r.model = model }
}

func NewWebSocketRecognizer(endpoint string, opts ...WebSocketOption) (*WebSocketRecognizer, error) {
	if endpoint == "" {
		return nil, errors.New("websocket recognizer: endpoint must not be empty")
	}
	r := &WebSocketRecognizer{endpoint: endpoint}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Available reports whether the recognizer is configured to reach a server.
func (r *WebSocketRecognizer) Available(context.Context) bool {
	u, err := url.Parse(r.endpoint)
	return err == nil && (u.Scheme == "ws" || u.Scheme == "wss")
}

func (r *WebSocketRecognizer) buildURL(cfg Config) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if r.model != "" {
		q.Set("model", r.model)
	}
	if cfg.Locale != "" {
		q.Set("language", cfg.Locale)
	}
	q.Set("encoding", "linear16")
	q.Set("interim_results", strconv.FormatBool(cfg.Partials))
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *WebSocketRecognizer) Start(ctx context.Context, cfg Config) (Stream, error) {
	wsURL, err := r.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("websocket recognizer: build URL: %w", err)
	}
	headers := http.Header{}
	if r.apiKey != "" {
		headers.Set("Authorization", "Token "+r.apiKey)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, &RecognizerError{Cause: fmt.Errorf("dial: %w", err)}
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &wsStream{conn: conn, pipe: newResultPipe(64), ctx: sctx, cancel: cancel}
	go s.readLoop()
	return s, nil
}

type listenResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type wsStream struct {
	conn   *websocket.Conn
	pipe   *resultPipe
	ctx    context.Context
	cancel context.CancelFunc

	writeMu  sync.Mutex
	sendDone bool
	once     sync.Once
}

func (s *wsStream) Send(ctx context.Context, frame audio.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sendDone {
		return errStreamClosed
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, frame.PCM); err != nil {
		return &RecognizerError{Cause: err}
	}
	return nil
}

func (s *wsStream) Results() <-chan Result { return s.pipe.ch }

// CloseSend asks the server to flush; it answers with the remaining results
// and closes the connection.
func (s *wsStream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sendDone {
		return nil
	}
	s.sendDone = true
	return s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
}

func (s *wsStream) Close() error {
	s.once.Do(func() {
		s.pipe.abort()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *wsStream) readLoop() {
	defer s.pipe.finish()
	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && !s.pipe.aborted() {
				s.pipe.send(Result{Err: &RecognizerError{Cause: err}})
			}
			return
		}
		res, ok := parseListenResponse(msg)
		if !ok {
			continue
		}
		if res.Final {
			if !s.pipe.send(res) {
				return
			}
			continue
		}
		s.pipe.trySend(res)
	}
}

func parseListenResponse(data []byte) (Result, bool) {
	var resp listenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Result{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return Result{}, false
	}
	alt := resp.Channel.Alternatives[0]
	return Result{Text: alt.Transcript, Confidence: alt.Confidence, Final: resp.IsFinal}, true
}
