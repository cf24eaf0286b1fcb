package nlg

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zylhub/rasa/pkg/engine"
)

func TestNewTracker(t *testing.T) {
	res := &engine.Result{
		Text:   "fly to berlin tomorrow",
		Intent: &engine.Intent{Name: "book_flight", Confidence: 0.9},
		Entities: []engine.Entity{
			{Entity: "city", Value: "paris"},
			{Entity: "city", Value: "berlin"},
			{Entity: "date", Value: "tomorrow"},
		},
	}

	tr := NewTracker("u1", res)
	assert.Equal(t, "u1", tr.SenderID)
	assert.Equal(t, map[string]interface{}{"city": "berlin", "date": "tomorrow"}, tr.Slots)
	assert.Same(t, res, tr.LatestMessage)

	empty := NewTracker("u2", nil)
	assert.Empty(t, empty.Slots)
}

func TestTemplateGenerator(t *testing.T) {
	gen := NewSeededTemplateGenerator(map[string][]string{
		"utter_greet":  {"Hello {name}!"},
		"utter_flight": {"Flying to {city} on {date}."},
		"utter_many":   {"a", "b", "c"},
	}, 1)

	tracker := &Tracker{SenderID: "u1", Slots: map[string]interface{}{"city": "Berlin"}}

	tests := []struct {
		name     string
		template string
		args     map[string]interface{}
		want     string
		wantErr  error
	}{
		{
			name:     "slot substitution leaves unknown placeholder",
			template: "utter_flight",
			want:     "Flying to Berlin on {date}.",
		},
		{
			name:     "argument fills missing slot",
			template: "utter_flight",
			args:     map[string]interface{}{"date": "Monday", "city": "Rome"},
			want:     "Flying to Berlin on Monday.",
		},
		{
			name:     "argument only",
			template: "utter_greet",
			args:     map[string]interface{}{"name": "Ada"},
			want:     "Hello Ada!",
		},
		{
			name:     "unknown template",
			template: "utter_missing",
			wantErr:  ErrNoTemplate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := gen.Generate(context.Background(), tt.template, tracker, "rest", tt.args)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Text)
		})
	}

	t.Run("variation comes from the template", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			resp, err := gen.Generate(context.Background(), "utter_many", nil, "rest", nil)
			require.NoError(t, err)
			assert.Contains(t, []string{"a", "b", "c"}, resp.Text)
		}
	})

	t.Run("same seed same choices", func(t *testing.T) {
		a := NewSeededTemplateGenerator(map[string][]string{"t": {"1", "2", "3", "4"}}, 42)
		b := NewSeededTemplateGenerator(map[string][]string{"t": {"1", "2", "3", "4"}}, 42)
		for i := 0; i < 10; i++ {
			ra, _ := a.Generate(context.Background(), "t", nil, "", nil)
			rb, _ := b.Generate(context.Background(), "t", nil, "", nil)
			assert.Equal(t, ra.Text, rb.Text)
		}
	})
}

func TestCallbackGenerator(t *testing.T) {
	var got callbackRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		switch got.Template {
		case "utter_missing":
			w.WriteHeader(http.StatusNotFound)
		case "utter_broken":
			http.Error(w, "template engine down", http.StatusInternalServerError)
		default:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(Response{
				Text:    "Hi there",
				Buttons: []Button{{Title: "Yes", Payload: "/affirm"}},
			})
		}
	}))
	defer srv.Close()

	gen := NewCallbackGenerator(srv.URL, WithLogger(zerolog.Nop()))
	tracker := &Tracker{SenderID: "u1", Slots: map[string]interface{}{"name": "Ada"}}

	resp, err := gen.Generate(context.Background(), "utter_greet", tracker, "slack", map[string]interface{}{"tone": "formal"})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", resp.Text)
	assert.Equal(t, []Button{{Title: "Yes", Payload: "/affirm"}}, resp.Buttons)

	assert.Equal(t, "utter_greet", got.Template)
	assert.Equal(t, "slack", got.Channel.Name)
	assert.Equal(t, "formal", got.Arguments["tone"])
	require.NotNil(t, got.Tracker)
	assert.Equal(t, "u1", got.Tracker.SenderID)
	assert.Equal(t, "Ada", got.Tracker.Slots["name"])

	_, err = gen.Generate(context.Background(), "utter_missing", tracker, "slack", nil)
	assert.ErrorIs(t, err, ErrNoTemplate)

	_, err = gen.Generate(context.Background(), "utter_broken", tracker, "slack", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "template engine down")
}

func TestCallbackGenerator_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	gen := NewCallbackGenerator(srv.URL, WithTimeout(30*time.Millisecond))
	_, err := gen.Generate(context.Background(), "utter_greet", &Tracker{}, "rest", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestResolve(t *testing.T) {
	logger := zerolog.Nop()

	gen := Resolve(Config{URL: "http://nlg.local/generate", Templates: map[string][]string{"utter_greet": {"hi"}}}, logger)
	assert.IsType(t, &CallbackGenerator{}, gen)

	gen = Resolve(Config{Templates: map[string][]string{"utter_greet": {"hi"}}}, logger)
	assert.IsType(t, &TemplateGenerator{}, gen)

	assert.Nil(t, Resolve(Config{}, logger))
}

func TestResponse_Empty(t *testing.T) {
	assert.True(t, (&Response{}).Empty())
	assert.False(t, (&Response{Image: "https://example.com/cat.png"}).Empty())
}

func TestTemplateFor(t *testing.T) {
	assert.Equal(t, "utter_greet", TemplateFor("greet"))
}
