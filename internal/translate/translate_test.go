package translate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"hoy fue un mejor día. hablé con mi familia.", "es"},
		{"i feel like nobody would care if i was gone", "en"},
		{"eu não sei mais o que fazer com a minha vida", "pt"},
		{"je ne sais pas quoi faire de ma vie", "fr"},
		{"", Undetermined},
		{"12345 !!!", Undetermined},
	}
	for _, tc := range cases {
		if got := Detect(tc.text).Lang; got != tc.want {
			t.Fatalf("Detect(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

type fakeTranslator struct {
	out   string
	err   error
	delay time.Duration
	calls int32
}

func (f *fakeTranslator) Name() string { return "fake" }

func (f *fakeTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.out, f.err
}

func TestStageSkipsTargetLanguage(t *testing.T) {
	tr := &fakeTranslator{out: "should not be used"}
	st := NewStage(tr, Config{TargetLang: "es"}, nil)

	in := "no veo salida y quiero terminar con todo"
	res := st.Translate(context.Background(), in)
	if res.Translated != in || res.Applied || res.Degraded {
		t.Fatalf("expected identity result, got %+v", res)
	}
	if tr.calls != 0 {
		t.Fatalf("translator must not be called for target language input")
	}
}

func TestStageTranslatesForeignText(t *testing.T) {
	tr := &fakeTranslator{out: "  Ya No Puedo Más  "}
	st := NewStage(tr, Config{TargetLang: "es"}, nil)

	res := st.Translate(context.Background(), "i cant do this anymore")
	if !res.Applied || res.Degraded {
		t.Fatalf("expected applied translation, got %+v", res)
	}
	if res.Translated != "ya no puedo más" {
		t.Fatalf("translated text should be normalized, got %q", res.Translated)
	}
	if res.Original != "i cant do this anymore" || res.SourceLang != "en" {
		t.Fatalf("unexpected original/source: %+v", res)
	}
}

func TestStageFailsSoftOnError(t *testing.T) {
	tr := &fakeTranslator{err: errors.New("connection refused")}
	var reported error
	st := NewStage(tr, Config{TargetLang: "es"}, func(err error) { reported = err })

	in := "i feel so alone today"
	res := st.Translate(context.Background(), in)
	if !res.Degraded || res.Translated != in || res.Applied {
		t.Fatalf("expected degraded identity result, got %+v", res)
	}
	if !errors.Is(res.Err, ErrTranslationDegraded) {
		t.Fatalf("expected ErrTranslationDegraded, got %v", res.Err)
	}
	if reported == nil {
		t.Fatalf("expected unavailability to be reported")
	}
}

func TestStageUnsupportedLanguageDoesNotReportUnavailable(t *testing.T) {
	tr := &fakeTranslator{err: ErrUnsupportedLanguage}
	called := false
	st := NewStage(tr, Config{TargetLang: "es"}, func(error) { called = true })

	res := st.Translate(context.Background(), "je ne sais pas quoi faire de ma vie")
	if !res.Degraded {
		t.Fatalf("expected degraded result")
	}
	if called {
		t.Fatalf("unsupported language must not mark the translator unavailable")
	}
}

func TestStageTimeoutIsBounded(t *testing.T) {
	tr := &fakeTranslator{out: "tarde", delay: time.Second}
	st := NewStage(tr, Config{TargetLang: "es", Timeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	res := st.Translate(context.Background(), "i feel so alone today")
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("translation was not bounded by the timeout")
	}
	if !res.Degraded || res.Translated != res.Original {
		t.Fatalf("expected degraded identity result after timeout, got %+v", res)
	}
}

func TestStageWithoutTranslator(t *testing.T) {
	st := NewStage(nil, Config{TargetLang: "es"}, nil)
	res := st.Translate(context.Background(), "i feel so alone today")
	if res.Degraded || res.Applied || res.Translated != res.Original {
		t.Fatalf("expected identity result, got %+v", res)
	}
}

func TestLibreTranslate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/translate" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req libreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Source == "xx" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(libreResponse{Error: "xx is not supported"})
			return
		}
		if req.Target != "es" || req.APIKey != "k" || req.Format != "text" {
			t.Errorf("unexpected payload %+v", req)
		}
		_ = json.NewEncoder(w).Encode(libreResponse{TranslatedText: "me siento solo"})
	}))
	defer srv.Close()

	lt, err := NewLibreTranslate(srv.URL+"/", "k", time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	out, err := lt.Translate(context.Background(), "i feel alone", "en", "es")
	if err != nil || out != "me siento solo" {
		t.Fatalf("unexpected translation %q err=%v", out, err)
	}

	_, err = lt.Translate(context.Background(), "?", "xx", "es")
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestLibreTranslateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	lt, err := NewLibreTranslate(url, "", time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := lt.Translate(context.Background(), "hi", "en", "es"); err == nil {
		t.Fatalf("expected error for unreachable translator")
	}
}
