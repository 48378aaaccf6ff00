package stt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-speech/internal/audio"
)

type listenServer struct {
	t      *testing.T
	header chan http.Header
	query  chan string
}

func (s *listenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.header <- r.Header.Clone()
	s.query <- r.URL.RawQuery
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.t.Errorf("accept: %v", err)
		return
	}
	ctx := r.Context()
	sentPartial := false
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if !sentPartial {
				sentPartial = true
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Bon","confidence":0.4}]}}`))
			}
		case websocket.MessageText:
			if strings.Contains(string(msg), "CloseStream") {
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Metadata"}`))
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Bonjour à tous","confidence":0.97}]}}`))
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen"
}

func TestWebSocketRecognizerStream(t *testing.T) {
	handler := &listenServer{t: t, header: make(chan http.Header, 1), query: make(chan string, 1)}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	rec, err := NewWebSocketRecognizer(wsURL(srv), WithAPIKey("secret"), WithModel("nova-3"))
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	if !rec.Available(context.Background()) {
		t.Fatal("expected ws endpoint to be available")
	}
	stream, err := rec.Start(context.Background(), Config{Locale: "fr-FR", SampleRate: 16000, Channels: 1, Partials: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stream.Close()

	if got := (<-handler.header).Get("Authorization"); got != "Token secret" {
		t.Fatalf("unexpected authorization header %q", got)
	}
	query := <-handler.query
	for _, want := range []string{"language=fr-FR", "model=nova-3", "sample_rate=16000", "interim_results=true", "encoding=linear16"} {
		if !strings.Contains(query, want) {
			t.Fatalf("query %q missing %q", query, want)
		}
	}

	if err := stream.Send(context.Background(), audio.Frame{PCM: make([]byte, 320)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	first := <-stream.Results()
	if first.Final || first.Text != "Bon" {
		t.Fatalf("unexpected partial %+v", first)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}
	results := collect(t, stream.Results())
	if len(results) != 1 || !results[0].Final || results[0].Text != "Bonjour à tous" {
		t.Fatalf("unexpected results %v", results)
	}
}

func TestWebSocketRecognizerDialFailure(t *testing.T) {
	rec, err := NewWebSocketRecognizer("ws://127.0.0.1:1/v1/listen")
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	_, err = rec.Start(context.Background(), Config{Locale: "en-US"})
	if err == nil {
		t.Fatal("expected dial failure")
	}
	var recErr *RecognizerError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected RecognizerError, got %T", err)
	}
}

func TestParseListenResponseIgnoresOtherMessages(t *testing.T) {
	if _, ok := parseListenResponse([]byte(`{"type":"SpeechStarted"}`)); ok {
		t.Fatal("expected non-results message to be ignored")
	}
	if _, ok := parseListenResponse([]byte(`not json`)); ok {
		t.Fatal("expected invalid json to be ignored")
	}
	if _, err := NewWebSocketRecognizer(""); err == nil {
		t.Fatal("expected empty endpoint to be rejected")
	}
}
