package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zylhub/rasa/pkg/engine"
)

// fakeParser classifies "hello" as greet, fails on "boom" and blocks on
// "slow" until its context ends.
type fakeParser struct{}

func (fakeParser) Parse(ctx context.Context, text string) (*engine.Result, error) {
	switch text {
	case "boom":
		return nil, engine.NewComponentRuntimeError("KeywordIntentClassifier", 1, engine.PhaseInference, errors.New("index out of range"))
	case "slow":
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &engine.Result{
		Text:     text,
		Intent:   &engine.Intent{Name: "greet", Confidence: 1},
		Entities: []engine.Entity{},
	}, nil
}

type session struct {
	client *Client
	exit   chan *ExitMessage
}

func startSession(t *testing.T) *session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hostR, hostW := io.Pipe()
	workerR, workerW := io.Pipe()

	s := &session{exit: make(chan *ExitMessage, 1)}
	srv := NewServer(fakeParser{}, hostR, workerW, zerolog.Nop())
	go func() {
		exit, _ := srv.Serve(ctx, &ReadyMessage{Version: "test", PID: 7, Language: "en", Components: []string{"WhitespaceTokenizer", "KeywordIntentClassifier"}})
		_ = workerW.Close()
		s.exit <- exit
	}()

	client, err := NewClient(ctx, hostW, workerR, WithStartupTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	s.client = client
	return s
}

func TestClientServer(t *testing.T) {
	s := startSession(t)
	ctx := context.Background()

	ready := s.client.Ready()
	if ready.Version != "test" || ready.Language != "en" || len(ready.Components) != 2 {
		t.Errorf("Ready() = %+v", ready)
	}

	res, err := s.client.Parse(ctx, "m1", "hello")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if res.ID != "m1" || res.Result.Intent == nil || res.Result.Intent.Name != "greet" {
		t.Errorf("Parse() = %+v", res)
	}

	_, err = s.client.Parse(ctx, "m2", "boom")
	if !engine.IsComponentRuntimeError(err) {
		t.Fatalf("Parse(boom) error = %v, want component runtime error", err)
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Component != "KeywordIntentClassifier" {
		t.Errorf("Component = %q", ee.Component)
	}

	if err := s.client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case exit := <-s.exit:
		if exit.Reason != "exit requested" || exit.Parsed != 1 || exit.Failed != 1 {
			t.Errorf("server exit = %+v", exit)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}

	if got := s.client.Exit(); got == nil || got.Parsed != 1 {
		t.Errorf("client Exit() = %+v", got)
	}
	if _, err := s.client.Parse(ctx, "m3", "hello"); err == nil {
		t.Error("Parse() after Close expected error")
	}
}

func TestClient_ConcurrentRequests(t *testing.T) {
	s := startSession(t)
	defer s.client.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("req-%d", i)
			res, err := s.client.Parse(context.Background(), id, "hello")
			if err != nil {
				errs <- err
				return
			}
			if res.ID != id {
				errs <- fmt.Errorf("got response %s for %s", res.ID, id)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestClient_TimeoutThenRecover(t *testing.T) {
	s := startSession(t)
	defer s.client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.client.Parse(ctx, "slow-1", "slow"); err == nil {
		t.Fatal("Parse(slow) expected error")
	}

	// The late ERROR for slow-1 must not be delivered to the next request.
	res, err := s.client.Parse(context.Background(), "fast-1", "hello")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if res.ID != "fast-1" {
		t.Errorf("ID = %s, want fast-1", res.ID)
	}
}

func TestNewClient_Handshake(t *testing.T) {
	t.Run("wrong first message", func(t *testing.T) {
		var out bytes.Buffer
		if err := NewEncoder(&out).EncodeExit(&ExitMessage{Reason: "bad model"}); err != nil {
			t.Fatal(err)
		}
		_, err := NewClient(context.Background(), nopWriteCloser{io.Discard}, io.NopCloser(&out))
		if err == nil || !strings.Contains(err.Error(), "expected READY") {
			t.Errorf("NewClient() error = %v, want expected READY", err)
		}
	})

	t.Run("load failure", func(t *testing.T) {
		var out bytes.Buffer
		em := NewErrorMessage("", engine.NewPersistenceError("archive missing", nil).WithCode(CodeLoadFailed))
		if err := NewEncoder(&out).EncodeError(em); err != nil {
			t.Fatal(err)
		}
		_, err := NewClient(context.Background(), nopWriteCloser{io.Discard}, io.NopCloser(&out))
		if !engine.IsPersistenceError(err) {
			t.Errorf("NewClient() error = %v, want persistence error", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		r, w := io.Pipe()
		defer w.Close()
		_, err := NewClient(context.Background(), nopWriteCloser{io.Discard}, r, WithStartupTimeout(20*time.Millisecond))
		if err == nil || !strings.Contains(err.Error(), "timeout") {
			t.Errorf("NewClient() error = %v, want timeout", err)
		}
	})
}

func TestServer_MalformedInput(t *testing.T) {
	in := strings.Join([]string{
		"not json",
		`{"type":"PARSE","timestamp":"2026-01-01T00:00:00Z","data":{"text":"missing id"}}`,
		`{"type":"RESULT","timestamp":"2026-01-01T00:00:00Z","data":{"id":"x"}}`,
		`{"type":"PARSE","timestamp":"2026-01-01T00:00:00Z","data":{"id":"ok","text":"hello"}}`,
		`{"type":"PARSE","timestamp":"2026-01-01T00:00:00Z","data":{"id":"late","text":"slow","timeout":10}}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	srv := NewServer(fakeParser{}, strings.NewReader(in), &out, zerolog.Nop())
	exit, err := srv.Serve(context.Background(), &ReadyMessage{Version: "test"})
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if exit.Reason != "input closed" || exit.Parsed != 1 || exit.Failed != 2 {
		t.Errorf("exit = %+v", exit)
	}

	dec := NewDecoder(&out)
	var types []MessageType
	var codes []string
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		types = append(types, msg.Type)
		if msg.Type == MessageTypeError {
			var em ErrorMessage
			if err := DecodeData(msg, &em); err != nil {
				t.Fatal(err)
			}
			codes = append(codes, em.Code)
		}
	}

	wantTypes := []MessageType{
		MessageTypeReady,
		MessageTypeError, // not json
		MessageTypeError, // missing id
		MessageTypeError, // unexpected RESULT
		MessageTypeResult,
		MessageTypeError, // timeout
		MessageTypeExit,
	}
	if fmt.Sprint(types) != fmt.Sprint(wantTypes) {
		t.Errorf("message types = %v, want %v", types, wantTypes)
	}
	wantCodes := []string{CodeInvalidRequest, CodeInvalidRequest, CodeInvalidRequest, CodeTimeout}
	if fmt.Sprint(codes) != fmt.Sprint(wantCodes) {
		t.Errorf("error codes = %v, want %v", codes, wantCodes)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
